package coordinator

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/EnMasseProject/enmasse-sub000/internal/mesh"
	"github.com/EnMasseProject/enmasse-sub000/internal/metrics"
	"github.com/EnMasseProject/enmasse-sub000/internal/models"
	"github.com/EnMasseProject/enmasse-sub000/internal/router"
	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt"
)

var ErrUnknownRouter = errors.New("router not connected")

// Broker is a connected broker reconciled by its own module.
type Broker interface {
	ID() string
	SyncAddresses(ctx context.Context, addrs []models.DesiredAddress) error
	Close() error
}

// Subscriber receives the full local router topology on subscription and
// after every change.
type Subscriber interface {
	SendTopology(topology map[string][]string)
}

type SubscriberFunc func(topology map[string][]string)

func (f SubscriberFunc) SendTopology(topology map[string][]string) {
	f(topology)
}

type Config struct {
	NodeID          models.NodeID
	RecheckInterval time.Duration
}

type Coordinator struct {
	mu               *sync.Mutex
	nodeID           models.NodeID
	recheckInterval  time.Duration
	connected        map[string]*router.Router
	known            map[models.NodeID]map[string]router.Known
	brokers          map[string]Broker
	desired          []models.DesiredAddress
	hasDesired       bool
	subscribers      map[string]Subscriber
	membershipEvents chan models.MemberShipEvent
	metrics          metrics.Metrics
	log              zerolog.Logger
}

func NewCoordinator(cfg Config, membershipEvents chan models.MemberShipEvent, m metrics.Metrics) *Coordinator {
	if m == nil {
		m = metrics.Noop{}
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 30 * time.Second
	}
	return &Coordinator{
		mu:               &sync.Mutex{},
		nodeID:           cfg.NodeID,
		recheckInterval:  cfg.RecheckInterval,
		connected:        make(map[string]*router.Router),
		known:            make(map[models.NodeID]map[string]router.Known),
		brokers:          make(map[string]Broker),
		subscribers:      make(map[string]Subscriber),
		membershipEvents: membershipEvents,
		metrics:          m,
		log:              log.With().Str("component", "coordinator").Str("node", string(cfg.NodeID)).Logger(),
	}
}

// RouterConnected registers an opened router and pushes the current desired
// addresses to it. A previous connection with the same container id is replaced.
func (c *Coordinator) RouterConnected(ctx context.Context, r *router.Router) {
	id := r.ID()
	c.mu.Lock()
	previous, exists := c.connected[id]
	c.connected[id] = r
	count := len(c.connected)
	c.mu.Unlock()

	c.log.Info().Msgf("router %s connected", id)
	c.metrics.Gauge(metrics.ConnectedRouters, count)
	if exists && previous != r {
		c.log.Warn().Msgf("router %s reconnected, dropping previous connection", id)
		_ = previous.Close()
	}

	c.advertise()
	c.checkAll(ctx)
	go c.syncRouter(ctx, r)
}

// RouterDisconnected forgets r if it is still the registered connection for its id.
func (c *Coordinator) RouterDisconnected(ctx context.Context, r *router.Router) {
	id := r.ID()
	c.mu.Lock()
	current, exists := c.connected[id]
	if !exists || current != r {
		c.mu.Unlock()
		return
	}
	delete(c.connected, id)
	count := len(c.connected)
	c.mu.Unlock()

	c.log.Info().Msgf("router %s disconnected", id)
	c.metrics.Gauge(metrics.ConnectedRouters, count)
	c.advertise()
	c.checkAll(ctx)
}

func (c *Coordinator) BrokerConnected(ctx context.Context, b Broker) {
	c.mu.Lock()
	c.brokers[b.ID()] = b
	c.mu.Unlock()

	c.log.Info().Msgf("broker %s connected", b.ID())
	go c.syncBroker(ctx, b)
}

func (c *Coordinator) BrokerDisconnected(id string) {
	c.mu.Lock()
	b, exists := c.brokers[id]
	delete(c.brokers, id)
	c.mu.Unlock()

	if !exists {
		return
	}
	c.log.Info().Msgf("broker %s disconnected", id)
	if err := b.Close(); err != nil {
		c.log.Warn().Err(err).Msgf("failed to close broker %s", id)
	}
}

// SyncAddresses replaces the desired address set and pushes it to every
// router and the allocated subsets to every broker. Until the first call no
// router or broker is synced, so an empty set is distinct from none received.
func (c *Coordinator) SyncAddresses(ctx context.Context, addrs []models.DesiredAddress) {
	c.mu.Lock()
	c.desired = slices.Clone(addrs)
	c.hasDesired = true
	routers := slices.Collect(maps.Values(c.connected))
	brokers := slices.Collect(maps.Values(c.brokers))
	c.mu.Unlock()

	c.log.Info().Msgf("desired addresses updated: %d addresses, %d routers, %d brokers", len(addrs), len(routers), len(brokers))
	for _, r := range routers {
		go c.syncRouter(ctx, r)
	}
	for _, b := range brokers {
		go c.syncBroker(ctx, b)
	}
}

// PeerAdvertised replaces everything known from a peer coordinator.
func (c *Coordinator) PeerAdvertised(ctx context.Context, adv models.Advertisement) {
	if adv.From == c.nodeID {
		return
	}
	routers := make(map[string]router.Known, len(adv.Routers))
	for id, listeners := range adv.Routers {
		routers[id] = router.NewKnown(id, listeners)
	}
	c.mu.Lock()
	c.known[adv.From] = routers
	c.mu.Unlock()

	c.log.Info().Msgf("peer %s advertised %d routers", adv.From, len(routers))
	c.metrics.Increment(metrics.AdvertisementsMerge)
	c.checkAll(ctx)
}

func (c *Coordinator) PeerLeft(ctx context.Context, from models.NodeID) {
	c.mu.Lock()
	_, exists := c.known[from]
	delete(c.known, from)
	c.mu.Unlock()

	if !exists {
		return
	}
	c.log.Info().Msgf("peer %s left, forgetting its routers", from)
	c.checkAll(ctx)
}

func (c *Coordinator) Subscribe(id string, s Subscriber) {
	c.mu.Lock()
	c.subscribers[id] = s
	topology := c.topologyLocked()
	c.mu.Unlock()

	s.SendTopology(topology)
}

func (c *Coordinator) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, id)
}

func (c *Coordinator) desiredState() ([]models.DesiredAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.desired), c.hasDesired
}

// Topology maps every locally connected router to its inter-router listeners.
func (c *Coordinator) Topology() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topologyLocked()
}

func (c *Coordinator) topologyLocked() map[string][]string {
	topology := make(map[string][]string, len(c.connected))
	for id, r := range c.connected {
		topology[id] = r.Listeners()
	}
	return topology
}

// VerifyAddresses answers a health-check: every connected router must have
// every expected store-and-forward unicast address.
func (c *Coordinator) VerifyAddresses(expected []models.AddressCheck) bool {
	c.mu.Lock()
	routers := slices.Collect(maps.Values(c.connected))
	c.mu.Unlock()

	for _, r := range routers {
		if !r.VerifyAddresses(expected) {
			c.log.Debug().Msgf("health-check failed on router %s", r.ID())
			c.metrics.Increment(metrics.HealthCheckFailed)
			return false
		}
	}
	c.metrics.Increment(metrics.HealthCheckPassed)
	return true
}

// Routers describes the locally connected routers.
func (c *Coordinator) Routers() []router.Info {
	c.mu.Lock()
	routers := slices.Collect(maps.Values(c.connected))
	c.mu.Unlock()

	infos := make([]router.Info, 0, len(routers))
	for _, r := range routers {
		infos = append(infos, r.Info())
	}
	slices.SortFunc(infos, func(a, b router.Info) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return infos
}

// Network lists the management nodes reachable through the connected router id.
func (c *Coordinator) Network(ctx context.Context, id string) ([]router.NodeInfo, error) {
	r, exists := c.router(id)
	if !exists {
		return nil, ErrUnknownRouter
	}
	return r.Network(ctx)
}

// fleet is the union of connected and gossip-known routers; a live connection
// takes precedence over an advertisement of the same id.
func (c *Coordinator) fleet() []mesh.Member {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := make(map[string]mesh.Member, len(c.connected))
	for _, routers := range c.known {
		for id, k := range routers {
			members[id] = router.MeshMember(k)
		}
	}
	for id, r := range c.connected {
		members[id] = router.MeshMember(r)
	}
	c.metrics.Gauge(metrics.KnownRouters, len(members))
	fleet := slices.Collect(maps.Values(members))
	slices.SortFunc(fleet, func(a, b mesh.Member) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return fleet
}

func (c *Coordinator) checkAll(ctx context.Context) {
	c.mu.Lock()
	routers := slices.Collect(maps.Values(c.connected))
	c.mu.Unlock()

	for _, r := range routers {
		go c.checkRouter(ctx, r)
	}
}

func (c *Coordinator) checkRouter(ctx context.Context, r *router.Router) {
	err := r.CheckConnectors(ctx, c.fleet())
	if err != nil && !errors.Is(err, mgmt.ErrClosed) && ctx.Err() == nil {
		c.log.Error().Err(err).Msgf("failed to check connectors of router %s", r.ID())
	}
}

// Desired state is read when the sync runs so a late goroutine never applies
// an older snapshot.
func (c *Coordinator) syncRouter(ctx context.Context, r *router.Router) {
	desired, received := c.desiredState()
	if !received {
		c.log.Debug().Msgf("no address snapshot yet, not syncing router %s", r.ID())
		return
	}
	err := r.SyncAddresses(ctx, desired)
	if err != nil && !errors.Is(err, mgmt.ErrClosed) && ctx.Err() == nil {
		c.log.Error().Err(err).Msgf("failed to sync addresses of router %s", r.ID())
	}
}

func (c *Coordinator) syncBroker(ctx context.Context, b Broker) {
	desired, received := c.desiredState()
	if !received {
		c.log.Debug().Msgf("no address snapshot yet, not syncing broker %s", b.ID())
		return
	}
	err := b.SyncAddresses(ctx, models.AllocatedTo(desired, b.ID()))
	if err != nil && ctx.Err() == nil {
		c.log.Error().Err(err).Msgf("failed to sync addresses of broker %s", b.ID())
	}
}

func (c *Coordinator) advertise() {
	c.mu.Lock()
	topology := c.topologyLocked()
	subscribers := slices.Collect(maps.Values(c.subscribers))
	c.mu.Unlock()

	for _, s := range subscribers {
		s.SendTopology(topology)
	}
}

func (c *Coordinator) router(id string) (*router.Router, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, exists := c.connected[id]
	return r, exists
}
