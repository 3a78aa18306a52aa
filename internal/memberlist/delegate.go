package memberlist

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/EnMasseProject/enmasse-sub000/internal/metrics"
	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

// delegate carries the advertisement payload through memberlist: direct
// messages on change and push/pull state sync on join.
type delegate struct {
	ctx     context.Context
	nodeID  models.NodeID
	peers   Peers
	metrics metrics.Metrics
	log     zerolog.Logger

	mu          sync.Mutex
	local       []byte
	fingerprint uint64
}

func newDelegate(ctx context.Context, nodeID models.NodeID, peers Peers, m metrics.Metrics) *delegate {
	return &delegate{
		ctx:     ctx,
		nodeID:  nodeID,
		peers:   peers,
		metrics: m,
		log:     log.With().Str("component", "gossip").Str("node", nodeID.String()).Logger(),
	}
}

// update stores the encoded topology and reports whether it differs from the
// previous one.
func (d *delegate) update(topology map[string][]string) ([]byte, bool, error) {
	if topology == nil {
		topology = map[string][]string{}
	}
	payload, err := json.Marshal(models.Advertisement{From: d.nodeID, Routers: topology})
	if err != nil {
		return nil, false, err
	}
	sum := xxhash.Sum64(payload)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.local != nil && sum == d.fingerprint {
		return payload, false, nil
	}
	d.local = payload
	d.fingerprint = sum
	return payload, true, nil
}

func (d *delegate) payload() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local
}

func (d *delegate) receive(buf []byte) {
	if len(buf) == 0 {
		return
	}
	var adv models.Advertisement
	err := json.Unmarshal(buf, &adv)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to decode router advertisement")
		return
	}
	if adv.From == "" || adv.From == d.nodeID {
		return
	}
	if adv.Routers == nil {
		adv.Routers = map[string][]string{}
	}
	d.peers.PeerAdvertised(d.ctx, adv)
}

func (d *delegate) NodeMeta(int) []byte {
	return nil
}

func (d *delegate) NotifyMsg(buf []byte) {
	d.receive(slices.Clone(buf))
}

func (d *delegate) GetBroadcasts(int, int) [][]byte {
	return nil
}

func (d *delegate) LocalState(bool) []byte {
	return d.payload()
}

func (d *delegate) MergeRemoteState(buf []byte, _ bool) {
	d.receive(slices.Clone(buf))
}
