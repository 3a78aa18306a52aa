package memberlist

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EnMasseProject/enmasse-sub000/internal/metrics"
	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

type recordingPeers struct {
	mu  sync.Mutex
	got []models.Advertisement
}

func (p *recordingPeers) PeerAdvertised(_ context.Context, adv models.Advertisement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, adv)
}

func (p *recordingPeers) last() (models.Advertisement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.got) == 0 {
		return models.Advertisement{}, false
	}
	return p.got[len(p.got)-1], true
}

func (p *recordingPeers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func TestDelegateSkipsUnchangedTopology(t *testing.T) {
	req := require.New(t)
	d := newDelegate(context.Background(), "c1", &recordingPeers{}, metrics.Noop{})

	first, changed, err := d.update(map[string][]string{"r1": {"r1:55672"}, "r2": {"r2:55672"}})
	req.NoError(err)
	req.True(changed)

	again, changed, err := d.update(map[string][]string{"r2": {"r2:55672"}, "r1": {"r1:55672"}})
	req.NoError(err)
	req.False(changed)
	req.Equal(first, again)

	_, changed, err = d.update(map[string][]string{"r1": {"r1:55672"}})
	req.NoError(err)
	req.True(changed)

	empty, changed, err := d.update(nil)
	req.NoError(err)
	req.True(changed)
	req.JSONEq(`{"from":"c1","routers":{}}`, string(empty))
	req.Equal(empty, d.LocalState(true))
}

func TestDelegateDeliversPeerAdvertisements(t *testing.T) {
	req := require.New(t)
	peers := &recordingPeers{}
	d := newDelegate(context.Background(), "c1", peers, metrics.Noop{})

	d.NotifyMsg([]byte(`{"from":"c2","routers":{"r9":["r9:55672"]}}`))
	adv, ok := peers.last()
	req.True(ok)
	req.Equal(models.NodeID("c2"), adv.From)
	req.Equal(map[string][]string{"r9": {"r9:55672"}}, adv.Routers)

	d.MergeRemoteState([]byte(`{"from":"c3"}`), true)
	adv, _ = peers.last()
	req.Equal(models.NodeID("c3"), adv.From)
	req.NotNil(adv.Routers)
	req.Empty(adv.Routers)

	d.NotifyMsg([]byte(`{"from":"c1","routers":{}}`))
	d.NotifyMsg([]byte(`not json`))
	d.MergeRemoteState(nil, false)
	req.Equal(2, peers.count())
}

func newLocal(t *testing.T, name string, peers Peers, notify chan models.MemberShipEvent) *MemberList {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l, err := New(ctx, Config{
		NodeName:      name,
		BindAddr:      "127.0.0.1",
		ProbeInterval: 100 * time.Millisecond,
		ProbeTimeout:  50 * time.Millisecond,
	}, peers, notify, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Close()
		cancel()
	})
	return l
}

func TestTwoNodesExchangeTopology(t *testing.T) {
	req := require.New(t)
	peers1, peers2 := &recordingPeers{}, &recordingPeers{}
	events1 := make(chan models.MemberShipEvent, 16)
	events2 := make(chan models.MemberShipEvent, 16)
	l1 := newLocal(t, "c1", peers1, events1)
	l2 := newLocal(t, "c2", peers2, events2)

	l1.SendTopology(map[string][]string{"r1": {"r1:55672"}})
	l2.seedNodes = []string{l1.Addr()}
	req.NoError(l2.Join(context.Background()))

	req.Eventually(func() bool {
		adv, ok := peers2.last()
		return ok && adv.From == "c1" && len(adv.Routers) == 1
	}, 5*time.Second, 20*time.Millisecond)

	l2.SendTopology(map[string][]string{"r2": {"r2:55672"}})
	req.Eventually(func() bool {
		adv, ok := peers1.last()
		return ok && adv.From == "c2" && fmt.Sprint(adv.Routers) == "map[r2:[r2:55672]]"
	}, 5*time.Second, 20*time.Millisecond)
	req.ElementsMatch([]string{"c1", "c2"}, l1.Members())

	select {
	case event := <-events1:
		req.Equal(models.MemberShipNew, event.Type)
		req.Equal(models.NodeID("c2"), event.From)
	case <-time.After(5 * time.Second):
		t.Fatal("no join event")
	}

	req.NoError(l2.GracefullyClose(time.Second))
	req.Eventually(func() bool {
		for {
			select {
			case event := <-events1:
				if event.Type == models.MemberShipDead && event.From == "c2" {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond)
}
