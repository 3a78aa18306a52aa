package memberlist

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog/log"

	"github.com/EnMasseProject/enmasse-sub000/internal/metrics"
	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

type Config struct {
	NodeName      string        `envconfig:"-"`
	BindAddr      string        `envconfig:"GOSSIP_BIND_ADDR,default=0.0.0.0"`
	Port          int           `envconfig:"GOSSIP_PORT,default=7946"`
	ProbeInterval time.Duration `envconfig:"GOSSIP_PROBE_INTERVAL,default=1s"`
	ProbeTimeout  time.Duration `envconfig:"GOSSIP_PROBE_TIMEOUT,default=500ms"`
	SeedNodes     []string      `envconfig:"GOSSIP_SEED_NODES,optional"`
}

// Peers receives the router topology advertised by other coordinators.
type Peers interface {
	PeerAdvertised(ctx context.Context, adv models.Advertisement)
}

// MemberList gossips the locally connected router topology between
// coordinator instances and reports peers leaving the cluster.
type MemberList struct {
	list      *memberlist.Memberlist
	delegate  *delegate
	seedNodes []string
	metrics   metrics.Metrics
}

func New(ctx context.Context, cfg Config, peers Peers, notify chan models.MemberShipEvent, m metrics.Metrics) (*MemberList, error) {
	const eventBufSize = 256

	if m == nil {
		m = metrics.Noop{}
	}
	d := newDelegate(ctx, models.NodeID(cfg.NodeName), peers, m)

	events := make(chan memberlist.NodeEvent, eventBufSize)
	config := memberlist.DefaultLocalConfig()
	config.Name = cfg.NodeName
	config.BindAddr = cfg.BindAddr
	config.BindPort = cfg.Port
	config.AdvertisePort = cfg.Port
	config.LogOutput = io.Discard
	if cfg.ProbeInterval > 0 {
		config.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		config.ProbeTimeout = cfg.ProbeTimeout
	}
	config.Delegate = d
	config.Events = &memberlist.ChannelEventDelegate{
		Ch: events,
	}

	ml, err := memberlist.Create(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	l := &MemberList{
		list:      ml,
		delegate:  d,
		seedNodes: cfg.SeedNodes,
		metrics:   m,
	}
	go l.handleEvents(ctx, events, notify)
	return l, nil
}

func (l *MemberList) handleEvents(ctx context.Context, events <-chan memberlist.NodeEvent, notify chan models.MemberShipEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case mlEvent, opened := <-events:
			if !opened {
				return
			}
			if mlEvent.Node.Name == l.list.LocalNode().Name {
				continue
			}
			log.Debug().Msgf(
				"got event from node %s: type=%d, node.status=%d",
				mlEvent.Node.Name,
				mlEvent.Event,
				mlEvent.Node.State,
			)
			eventType := models.MemberShipUnknown
			switch mlEvent.Event {
			case memberlist.NodeJoin:
				eventType = models.MemberShipNew
				l.sendTo(mlEvent.Node, l.delegate.payload())
			case memberlist.NodeLeave:
				eventType = models.MemberShipDead
			case memberlist.NodeUpdate:
			}
			if eventType == models.MemberShipUnknown {
				continue
			}
			event := models.MemberShipEvent{
				Type: eventType,
				From: models.NodeID(mlEvent.Node.Name),
			}
			select {
			case notify <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// SendTopology advertises the full local topology to every cluster member.
// A topology identical to the last advertised one is not re-sent.
func (l *MemberList) SendTopology(topology map[string][]string) {
	payload, changed, err := l.delegate.update(topology)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode router advertisement")
		return
	}
	if !changed {
		return
	}
	for _, node := range l.list.Members() {
		if node.Name == l.list.LocalNode().Name {
			continue
		}
		l.sendTo(node, payload)
	}
}

func (l *MemberList) sendTo(node *memberlist.Node, payload []byte) {
	if len(payload) == 0 {
		return
	}
	err := l.list.SendReliable(node, payload)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to send router advertisement to %s", node.Name)
		return
	}
	l.metrics.Increment(metrics.AdvertisementsSent)
}

func (l *MemberList) Join(ctx context.Context) error {
	if len(l.seedNodes) == 0 {
		return nil
	}
	_, err := l.list.Join(l.seedNodes)
	if err != nil {
		return fmt.Errorf("failed to join memberlist: %w", err)
	}
	return nil
}

// Members lists the names of all live cluster members, including this one.
func (l *MemberList) Members() []string {
	nodes := l.list.Members()
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	return names
}

func (l *MemberList) Addr() string {
	return l.list.LocalNode().Address()
}

func (l *MemberList) GracefullyClose(timeout time.Duration) error {
	log.Warn().Msg("start gracefull leaving from gossip cluster")

	err := l.list.Leave(timeout)
	if err != nil {
		return fmt.Errorf("failed to leave gossip cluster: %w", err)
	}
	return l.list.Shutdown()
}

func (l *MemberList) Close() error {
	log.Warn().Msg("force leave gossip cluster")

	return l.list.Shutdown()
}
