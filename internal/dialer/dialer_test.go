package dialer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EnMasseProject/enmasse-sub000/internal/dialer"
	"github.com/EnMasseProject/enmasse-sub000/internal/notifyer"
	"github.com/EnMasseProject/enmasse-sub000/internal/router"
	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt"
	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt/mgmttest"
)

type registry struct {
	connected    chan *router.Router
	disconnected chan *router.Router
}

func newRegistry() *registry {
	return &registry{
		connected:    make(chan *router.Router, 8),
		disconnected: make(chan *router.Router, 8),
	}
}

func (r *registry) RouterConnected(_ context.Context, rt *router.Router) {
	r.connected <- rt
}

func (r *registry) RouterDisconnected(_ context.Context, rt *router.Router) {
	r.disconnected <- rt
}

func receive(t *testing.T, ch <-chan *router.Router) *router.Router {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for router")
	}
	return nil
}

type flakyDial struct {
	mu       sync.Mutex
	fake     *mgmttest.Router
	failures int
	attempts int
	addrs    []string
	links    []*mgmttest.Link
}

func (f *flakyDial) dial(_ context.Context, addr string) (mgmt.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.addrs = append(f.addrs, addr)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	link := f.fake.NewLink()
	f.links = append(f.links, link)
	return link, nil
}

func (f *flakyDial) lastLink() *mgmttest.Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[len(f.links)-1]
}

func TestDialerReconnects(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := mgmttest.NewRouter("r1")
	fake.Add("listener", "inter-router", map[string]any{"role": "inter-router", "host": "r1", "port": "55672"})
	dial := &flakyDial{fake: fake, failures: 2}
	reg := newRegistry()
	events := notifyer.NewNotifier(16)
	defer events.Close()

	d := dialer.New(dialer.Config{
		Endpoints:  []string{"r1"},
		RetryDelay: time.Millisecond,
	}, dial.dial, reg, events, nil)
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()

	first := receive(t, reg.connected)
	req.Equal("r1", first.ID())
	req.Equal(router.Desynchronized, first.State())
	req.Equal([]string{"r1:55672"}, first.Listeners())

	dial.lastLink().Disconnect()
	req.Same(first, receive(t, reg.disconnected))
	req.Equal(router.Disconnected, first.State())

	second := receive(t, reg.connected)
	req.NotSame(first, second)
	req.Equal("r1", second.ID())

	cancel()
	req.Same(second, receive(t, reg.disconnected))
	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("dialer did not stop")
	}

	dial.mu.Lock()
	defer dial.mu.Unlock()
	req.Equal(4, dial.attempts)
	for _, addr := range dial.addrs {
		req.Equal("r1:55672", addr)
	}
}

func TestRunRejectsBadEndpoint(t *testing.T) {
	d := dialer.New(dialer.Config{Endpoints: []string{"r1:notaport"}}, nil, newRegistry(), nil, nil)
	require.Error(t, d.Run(context.Background()))
}

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{endpoint: "router-0", want: "router-0:55672"},
		{endpoint: "router-0:5672", want: "router-0:5672"},
		{endpoint: "10.0.0.1", want: "10.0.0.1:55672"},
		{endpoint: "::1", want: "[::1]:55672"},
		{endpoint: "[::1]:5671", want: "[::1]:5671"},
		{endpoint: "", wantErr: true},
		{endpoint: ":5672", wantErr: true},
		{endpoint: "router-0:99999", wantErr: true},
	} {
		t.Run(tc.endpoint, func(t *testing.T) {
			got, err := dialer.Normalize(tc.endpoint, 55672)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDefaultPort(t *testing.T) {
	require.Equal(t, 55672, dialer.Config{}.DefaultPort())
	require.Equal(t, 55671, dialer.Config{TLS: true}.DefaultPort())
	require.Equal(t, 5672, dialer.Config{TLS: true, Port: 5672}.DefaultPort())
}
