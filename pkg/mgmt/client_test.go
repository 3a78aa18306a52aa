package mgmt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt"
	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt/mgmttest"
)

const addressType = "org.apache.qpid.dispatch.router.config.address"

func startClient(t *testing.T, link mgmt.Link) (*mgmt.Client, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client := mgmt.NewClient("test", link)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx)
	}()
	return client, done
}

func TestRequestsQueueUntilReady(t *testing.T) {
	req := require.New(t)
	router := mgmttest.NewRouter("r1")
	link := router.NewGatedLink()
	client, _ := startClient(t, link)

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() {
		errs <- client.CreateEntity(ctx, addressType, "first", map[string]any{"prefix": "first"})
	}()
	req.Eventually(func() bool { return client.Stats().Pending == 1 }, time.Second, time.Millisecond)
	go func() {
		errs <- client.CreateEntity(ctx, addressType, "second", map[string]any{"prefix": "second"})
	}()
	req.Eventually(func() bool { return client.Stats().Pending == 2 }, time.Second, time.Millisecond)
	req.False(client.Ready())
	req.Empty(router.Requests())

	link.Open()
	req.NoError(<-errs)
	req.NoError(<-errs)

	requests := router.Requests()
	req.Len(requests, 2)
	req.Equal("first", requests[0].Properties["name"])
	req.Equal("second", requests[1].Properties["name"])
	req.Equal("reply-r1", requests[0].ReplyTo)
	req.NotEqual(requests[0].CorrelationID, requests[1].CorrelationID)
	req.True(client.Ready())
}

func TestQueryReassemblesRecords(t *testing.T) {
	req := require.New(t)
	router := mgmttest.NewRouter("r1")
	router.Add(addressType, "ragent-a", map[string]any{"prefix": "a", "distribution": "balanced", "waypoint": true})
	router.Add(addressType, "ragent-b", map[string]any{"prefix": "b", "distribution": "multicast", "waypoint": false})
	client, _ := startClient(t, router.NewLink())

	records, err := client.Query(context.Background(), addressType, "name", "prefix", "waypoint")
	req.NoError(err)
	req.Len(records, 2)
	req.Equal("ragent-a", records[0].Name())
	req.Equal("a", records[0].String("prefix"))
	req.True(records[0].Bool("waypoint"))
	req.False(records[1].Bool("waypoint"))
	req.NotContains(records[0], "distribution")
}

func TestNonSuccessStatusFailsRequest(t *testing.T) {
	req := require.New(t)
	router := mgmttest.NewRouter("r1")
	client, _ := startClient(t, router.NewLink())
	ctx := context.Background()

	req.NoError(client.CreateEntity(ctx, addressType, "dup", nil))
	err := client.CreateEntity(ctx, addressType, "dup", nil)
	req.Error(err)
	req.True(mgmt.IsStatus(err, 400))

	var statusErr *mgmt.StatusError
	req.True(errors.As(err, &statusErr))
	req.Contains(statusErr.Description, "already exists")

	err = client.DeleteEntity(ctx, addressType, "missing")
	req.True(mgmt.IsStatus(err, 404))
}

func TestUnmatchedReplyIsDropped(t *testing.T) {
	req := require.New(t)
	router := mgmttest.NewRouter("r1")
	link := router.NewLink()
	client, _ := startClient(t, link)

	link.Inject(&mgmt.Message{
		CorrelationID: "nobody-asked",
		Properties:    map[string]any{"statusCode": int32(200)},
	})
	req.Eventually(func() bool { return client.Stats().UnexpectedResponses == 1 }, time.Second, time.Millisecond)

	_, err := client.Query(context.Background(), addressType)
	req.NoError(err)
}

func TestDisconnectFailsOutstandingRequests(t *testing.T) {
	req := require.New(t)
	router := mgmttest.NewRouter("r1")
	link := router.NewGatedLink()
	client, done := startClient(t, link)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Query(context.Background(), addressType)
		errs <- err
	}()
	req.Eventually(func() bool { return client.Stats().Pending == 1 }, time.Second, time.Millisecond)

	link.Disconnect()

	err := <-errs
	req.ErrorIs(err, mgmt.ErrClosed)
	req.ErrorIs(<-done, mgmttest.ErrDisconnected)
	req.Zero(client.Stats().Pending)
	req.Zero(client.Stats().Handlers)

	_, err = client.Query(context.Background(), addressType)
	req.ErrorIs(err, mgmt.ErrClosed)
	req.Empty(router.Requests())
}

func TestCanceledRequestForgetsHandler(t *testing.T) {
	req := require.New(t)
	router := mgmttest.NewRouter("r1")
	client, _ := startClient(t, router.NewGatedLink())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Query(ctx, addressType)
	req.ErrorIs(err, context.Canceled)
	req.Zero(client.Stats().Handlers)
}

func TestPeersReuseExistingClients(t *testing.T) {
	req := require.New(t)
	router := mgmttest.NewRouter("r1")
	router.SetMgmtNodes("amqp:/_topo/0/A/$management", "amqp:/_topo/0/B/$management")
	client, _ := startClient(t, router.NewLink())
	ctx := context.Background()

	peers, err := client.Peers(ctx, nil)
	req.NoError(err)
	req.Len(peers, 2)
	req.Equal("amqp:/_topo/0/A/$management", peers[0].Target())
	req.Equal("amqp:/_topo/0/B/$management", peers[1].Target())

	router.SetMgmtNodes("amqp:/_topo/0/B/$management", "amqp:/_topo/0/C/$management")
	next, err := client.Peers(ctx, peers)
	req.NoError(err)
	req.Len(next, 2)
	req.Same(peers[1], next[0])
	req.Equal("amqp:/_topo/0/C/$management", next[1].Target())

	_, err = next[1].Query(ctx, addressType)
	req.NoError(err)
	requests := router.Requests()
	req.Equal("amqp:/_topo/0/C/$management", requests[len(requests)-1].To)
}

func TestExtractRecords(t *testing.T) {
	records := mgmt.ExtractRecords(map[any]any{
		"attributeNames": []string{"name", "port"},
		"results": [][]any{
			{"l1", int64(55672)},
			{"l2"},
		},
	})
	require.Len(t, records, 2)
	assert.Equal(t, "55672", records[0].String("port"))
	assert.Equal(t, "l2", records[1].Name())
	assert.NotContains(t, records[1], "port")

	assert.Nil(t, mgmt.ExtractRecords("not a table"))
	assert.Nil(t, mgmt.ExtractRecords(map[string]any{"results": []any{}}))
}

func TestWaitAttached(t *testing.T) {
	req := require.New(t)
	router := mgmttest.NewRouter("r1")
	link := router.NewGatedLink()
	client, _ := startClient(t, link)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req.ErrorIs(client.WaitAttached(short), context.DeadlineExceeded)

	link.Open()
	req.NoError(client.WaitAttached(context.Background()))

	closed, _ := startClient(t, router.NewGatedLink())
	req.NoError(closed.Close())
	req.ErrorIs(closed.WaitAttached(context.Background()), mgmt.ErrClosed)
}
