package addresswatcher

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

func TestDecode(t *testing.T) {
	req := require.New(t)
	addrs, err := Decode([]byte(`[
		{"address": "q1", "type": "queue", "allocated_to": "broker-0"},
		{"address": "t1", "type": "topic", "allocated_to": [{"containerId": "broker-2"}, {"containerId": "broker-3"}]},
		{"address": "a1", "type": "anycast", "allocated_to": null},
		{"address": "m1", "type": "multicast", "allocated_to": []},
		{"address": "", "type": "queue"},
		{"address": "bad", "type": "subscription"},
		{"address": "broken", "type": "queue", "allocated_to": 7},
		{"address": "q1", "type": "queue", "allocated_to": "broker-1"}
	]`))
	req.NoError(err)
	req.Equal([]models.DesiredAddress{
		{Name: "q1", Kind: models.AddressQueue, AllocatedTo: "broker-1"},
		{Name: "t1", Kind: models.AddressTopic, AllocatedTo: "broker-2"},
		{Name: "a1", Kind: models.AddressAnycast},
		{Name: "m1", Kind: models.AddressMulticast},
	}, addrs)

	addrs, err = Decode([]byte(`[]`))
	req.NoError(err)
	req.Empty(addrs)

	_, err = Decode([]byte(`{"address": "q1"}`))
	req.Error(err)
}

type fakeReader struct {
	msgs chan kafka.Message

	mu      sync.Mutex
	offsets []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case msg, ok := <-r.msgs:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return msg, nil
	}
}

func (r *fakeReader) SetOffset(offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offsets = append(r.offsets, offset)
	return nil
}

func (r *fakeReader) Close() error {
	return nil
}

func lastOffsetAt(offset int64, err error) offsetFunc {
	return func(context.Context) (int64, error) {
		return offset, err
	}
}

type recordingCoordinator struct {
	synced [][]models.DesiredAddress
}

func (c *recordingCoordinator) SyncAddresses(_ context.Context, addrs []models.DesiredAddress) {
	c.synced = append(c.synced, addrs)
}

func TestRunHandsSnapshotsToCoordinator(t *testing.T) {
	req := require.New(t)
	reader := &fakeReader{msgs: make(chan kafka.Message, 3)}
	crd := &recordingCoordinator{}
	reader.msgs <- kafka.Message{Offset: 1, Value: []byte(`[{"address": "q1", "type": "queue"}]`)}
	reader.msgs <- kafka.Message{Offset: 2, Value: []byte(`garbage`)}
	reader.msgs <- kafka.Message{Offset: 3, Value: []byte(`[]`)}
	close(reader.msgs)

	err := newWatcher(reader, lastOffsetAt(4, nil), crd).Run(context.Background())
	req.ErrorIs(err, io.EOF)

	req.Len(crd.synced, 2)
	req.Equal([]models.DesiredAddress{{Name: "q1", Kind: models.AddressQueue}}, crd.synced[0])
	req.Empty(crd.synced[1])
	req.Equal([]int64{3}, reader.offsets)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newWatcher(&fakeReader{msgs: make(chan kafka.Message)}, lastOffsetAt(0, nil), &recordingCoordinator{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStartOffset(t *testing.T) {
	require.Equal(t, kafka.FirstOffset, startOffset(0))
	require.Equal(t, int64(0), startOffset(1))
	require.Equal(t, int64(41), startOffset(42))
}

func TestRunReplaysTopicWhenLastOffsetUnknown(t *testing.T) {
	req := require.New(t)
	reader := &fakeReader{msgs: make(chan kafka.Message, 1)}
	crd := &recordingCoordinator{}
	reader.msgs <- kafka.Message{Offset: 0, Value: []byte(`[]`)}
	close(reader.msgs)

	err := newWatcher(reader, lastOffsetAt(0, errors.New("no leader")), crd).Run(context.Background())
	req.ErrorIs(err, io.EOF)
	req.Equal([]int64{kafka.FirstOffset}, reader.offsets)
	req.Len(crd.synced, 1)
}
