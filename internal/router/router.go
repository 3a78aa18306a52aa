package router

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/EnMasseProject/enmasse-sub000/internal/entities"
	"github.com/EnMasseProject/enmasse-sub000/internal/mesh"
	"github.com/EnMasseProject/enmasse-sub000/internal/metrics"
	"github.com/EnMasseProject/enmasse-sub000/internal/models"
	"github.com/EnMasseProject/enmasse-sub000/internal/reconciler"
	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt"
)

// EntityType is the management type describing the router itself.
const EntityType = "org.apache.qpid.dispatch.router"

const connectorQueryAttempts = 3

type State int8

const (
	Connecting State = iota
	Ready
	Retrieving
	Syncing
	Synchronized
	Desynchronized
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Retrieving:
		return "retrieving"
	case Syncing:
		return "syncing"
	case Synchronized:
		return "synchronized"
	case Desynchronized:
		return "desynchronized"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Phase guards re-entrant convergence of one concern on one router.
type Phase int8

const (
	Idle Phase = iota
	Reconciling
)

type Notifyer interface {
	NotifyRouterEvent(event models.RouterEvent)
}

type Config struct {
	NumConnectors int
	// RetryDelay is the initial backoff between connector queries.
	RetryDelay time.Duration
}

// Router is a live, directly connected router this process configures.
type Router struct {
	client     *mgmt.Client
	target     reconciler.Target
	reconciler *reconciler.Reconciler
	notifyer   Notifyer
	metrics    metrics.Metrics
	cfg        Config
	log        zerolog.Logger

	mu             sync.Mutex
	id             string
	state          State
	addressPhase   Phase
	connectorPhase Phase
	listeners      []string
	connectors     []entities.Entity
	addresses      map[string]models.DesiredAddress
	peers          []*mgmt.Client
	pending        []models.DesiredAddress
	hasPending     bool
	retrieved      bool
	provisioned    bool
	recheck        bool
}

func New(client *mgmt.Client, cfg Config, rec *reconciler.Reconciler, n Notifyer, m metrics.Metrics) *Router {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Router{
		client:     client,
		reconciler: rec,
		notifyer:   n,
		metrics:    m,
		cfg:        cfg,
		log:        log.With().Str("component", "router").Str("conn", client.Name()).Logger(),
		state:      Connecting,
	}
}

// Run serves the management connection and marks the router disconnected
// once it is lost.
func (r *Router) Run(ctx context.Context) error {
	err := r.client.Run(ctx)
	r.markDisconnected(err)
	return err
}

// Open waits for the management link, identifies the router and retrieves
// its listeners, connectors and current address configuration.
func (r *Router) Open(ctx context.Context) error {
	err := r.client.WaitAttached(ctx)
	if err != nil {
		return fmt.Errorf("failed to attach management link: %w", err)
	}
	if !r.setState(Ready) {
		return mgmt.ErrClosed
	}

	records, err := r.client.Query(ctx, EntityType, "id")
	if err != nil {
		return fmt.Errorf("failed to identify router: %w", err)
	}
	if len(records) == 0 || records[0].String("id") == "" {
		return fmt.Errorf("failed to identify router: %w", mgmt.ErrMalformed)
	}
	id := records[0].String("id")

	r.mu.Lock()
	if r.state == Disconnected {
		r.mu.Unlock()
		return mgmt.ErrClosed
	}
	r.id = id
	r.target = reconciler.NewClientTarget(id, r.client)
	r.log = r.log.With().Str("router", id).Logger()
	r.state = Retrieving
	logger := r.log
	r.mu.Unlock()
	logger.Info().Msg("router ready, retrieving configuration")

	listeners, err := r.queryInterRouter(ctx, entities.Listener)
	if err != nil {
		return fmt.Errorf("failed to retrieve listeners: %w", err)
	}
	connectors, err := r.retrieveConnectors(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve connectors: %w", err)
	}
	actual := make(entities.Config, len(entities.Reconciled))
	for _, kind := range entities.Reconciled {
		list, err := r.target.QueryEntities(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to retrieve %s: %w", kind, err)
		}
		actual[kind] = list
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disconnected {
		return mgmt.ErrClosed
	}
	r.listeners = hostPorts(listeners)
	r.connectors = connectors
	r.addresses = entities.Deduce(actual)
	r.retrieved = true
	r.state = Desynchronized
	r.log.Info().Msgf("retrieved listeners %v and %d connectors", r.listeners, len(connectors))
	return nil
}

func (r *Router) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Router) Listeners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.listeners)
}

func (r *Router) Client() *mgmt.Client {
	return r.client
}

func (r *Router) Close() error {
	return r.client.Close()
}

// RefreshListeners re-queries the inter-router listeners and reports a change.
func (r *Router) RefreshListeners(ctx context.Context) error {
	listeners, err := r.queryInterRouter(ctx, entities.Listener)
	if err != nil {
		return fmt.Errorf("failed to retrieve listeners: %w", err)
	}
	endpoints := hostPorts(listeners)

	r.mu.Lock()
	changed := !slices.Equal(endpoints, r.listeners)
	r.listeners = endpoints
	r.mu.Unlock()

	if changed {
		r.log.Info().Msgf("listeners changed to %v", endpoints)
		r.notify(models.RouterListenersChanged)
	}
	return nil
}

// SyncAddresses converges the router on desired. A call made while a pass is
// running replaces the pending desired state and is applied right after.
func (r *Router) SyncAddresses(ctx context.Context, desired []models.DesiredAddress) error {
	r.mu.Lock()
	switch {
	case r.state == Disconnected:
		r.mu.Unlock()
		return mgmt.ErrClosed
	case !r.retrieved:
		r.mu.Unlock()
		return mgmt.ErrNotReady
	case r.addressPhase == Reconciling:
		r.pending = desired
		r.hasPending = true
		r.mu.Unlock()
		r.log.Debug().Msg("address sync in progress, queued desired state")
		return nil
	}
	r.addressPhase = Reconciling
	r.state = Syncing
	r.mu.Unlock()

	var lastErr error
	for {
		actual, err := r.reconciler.Apply(ctx, entities.DesiredConfig(desired), r.target)
		lastErr = err

		r.mu.Lock()
		if r.state == Disconnected {
			r.addressPhase = Idle
			r.mu.Unlock()
			return mgmt.ErrClosed
		}
		firstProvisioning := false
		if err == nil {
			r.addresses = entities.Deduce(actual)
			if !r.provisioned {
				r.provisioned = true
				firstProvisioning = true
			}
		}
		next, again := r.pending, r.hasPending
		switch {
		case again:
			r.state = Syncing
		case err == nil:
			r.state = Synchronized
		default:
			r.state = Desynchronized
		}
		r.pending, r.hasPending = nil, false
		if !again {
			r.addressPhase = Idle
		}
		r.mu.Unlock()

		if err == nil {
			if firstProvisioning {
				r.log.Info().Msg("initial provisioning completed")
				r.notify(models.RouterProvisioned)
			}
			r.notify(models.RouterAddressesChanged)
		} else if errors.Is(err, mgmt.ErrClosed) || ctx.Err() != nil {
			r.mu.Lock()
			r.addressPhase = Idle
			if r.state != Disconnected {
				r.state = Desynchronized
			}
			r.mu.Unlock()
			return err
		}
		if !again {
			return lastErr
		}
		desired = next
	}
}

// ReadyForConnectivityCheck reports whether initial provisioning completed and
// the connector set is known.
func (r *Router) ReadyForConnectivityCheck() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyForConnectivityCheck()
}

func (r *Router) readyForConnectivityCheck() bool {
	return r.provisioned && r.state != Disconnected && r.connectors != nil && r.connectorPhase == Idle
}

// CheckConnectors creates missing and deletes stale connectors towards the
// fleet. The connector set is invalid until re-queried after changes.
func (r *Router) CheckConnectors(ctx context.Context, fleet []mesh.Member) error {
	r.mu.Lock()
	if !r.readyForConnectivityCheck() {
		if r.connectorPhase == Reconciling {
			r.recheck = true
		}
		r.mu.Unlock()
		r.log.Debug().Msg("router not ready for connectivity check")
		return nil
	}
	self := mesh.Member{ID: r.id, Listeners: slices.Clone(r.listeners)}
	plan := mesh.Check(self, fleet, r.connectors, r.cfg.NumConnectors)
	if plan.Empty() {
		r.mu.Unlock()
		return nil
	}
	r.connectorPhase = Reconciling
	r.connectors = nil
	r.mu.Unlock()

	r.log.Info().Msgf("checking connectors, missing=%v, stale=%v", names(plan.Missing), names(plan.Stale))

	var (
		changedMu sync.Mutex
		changed   int
		g         errgroup.Group
	)
	for _, stale := range plan.Stale {
		g.Go(func() error {
			err := r.target.DeleteEntity(ctx, entities.Connector, stale.Name)
			if err != nil {
				r.log.Error().Err(err).Msgf("failed to delete %s", entities.Connector.Describe(stale))
				return nil
			}
			r.metrics.Increment(metrics.ConnectorsDeleted)
			changedMu.Lock()
			changed++
			changedMu.Unlock()
			return nil
		})
	}
	for _, missing := range plan.Missing {
		g.Go(func() error {
			err := r.target.CreateEntity(ctx, entities.Connector, missing)
			if err != nil {
				r.log.Error().Err(err).Msgf("failed to create %s", entities.Connector.Describe(missing))
				return nil
			}
			r.metrics.Increment(metrics.ConnectorsCreated)
			changedMu.Lock()
			changed++
			changedMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	connectors, err := r.retrieveConnectors(ctx)

	r.mu.Lock()
	r.connectorPhase = Idle
	recheck := r.recheck
	r.recheck = false
	if err == nil {
		r.connectors = connectors
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to retrieve connectors: %w", err)
	}
	if changed != 0 || recheck {
		r.notify(models.RouterConnectorsChanged)
	}
	return nil
}

// RefreshConnectors re-queries a connector set left unknown by a failed
// connectivity check so the router takes part in the next one.
func (r *Router) RefreshConnectors(ctx context.Context) error {
	r.mu.Lock()
	unknown := r.connectorsUnknown()
	r.mu.Unlock()
	if !unknown {
		return nil
	}

	connectors, err := r.retrieveConnectors(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve connectors: %w", err)
	}

	r.mu.Lock()
	restored := r.connectorsUnknown()
	if restored {
		r.connectors = connectors
	}
	r.mu.Unlock()

	if restored {
		r.log.Info().Msgf("retrieved %d connectors", len(connectors))
		r.notify(models.RouterConnectorsChanged)
	}
	return nil
}

func (r *Router) connectorsUnknown() bool {
	return r.retrieved && r.state != Disconnected && r.connectors == nil && r.connectorPhase == Idle
}

// NodeInfo is one management node reachable through a router.
type NodeInfo struct {
	Node string `json:"node"`
	ID   string `json:"id"`
}

// Network identifies every management node reachable through the router.
// Peer clients share this router's connection and are kept across calls.
func (r *Router) Network(ctx context.Context) ([]NodeInfo, error) {
	r.mu.Lock()
	current := r.peers
	r.mu.Unlock()

	peers, err := r.client.Peers(ctx, current)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.peers = peers
	r.mu.Unlock()

	nodes := make([]NodeInfo, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		g.Go(func() error {
			records, err := peer.Query(gctx, EntityType, "id")
			if err != nil {
				return fmt.Errorf("failed to identify %s: %w", peer.Target(), err)
			}
			nodes[i] = NodeInfo{Node: peer.Target()}
			if len(records) != 0 {
				nodes[i].ID = records[0].String("id")
			}
			return nil
		})
	}
	err = g.Wait()
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// VerifyAddresses reports whether every expected store-and-forward unicast
// address is configured. Only a synchronized router passes.
func (r *Router) VerifyAddresses(expected []models.AddressCheck) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Synchronized || r.addressPhase != Idle || r.addresses == nil {
		return false
	}
	for _, addr := range expected {
		if !addr.StoreAndForward || addr.Multicast {
			continue
		}
		if _, exists := r.addresses[addr.Name]; !exists {
			return false
		}
	}
	return true
}

// Info is a point in time view of a router for diagnostics.
type Info struct {
	ID           string                           `json:"id"`
	State        string                           `json:"state"`
	Listeners    []string                         `json:"listeners"`
	Connectors   []string                         `json:"connectors"`
	Addresses    map[string]models.DesiredAddress `json:"addresses"`
	Provisioned  bool                             `json:"provisioned"`
	Synchronized bool                             `json:"synchronized"`
}

func (r *Router) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	connectors := make([]string, 0, len(r.connectors))
	for _, c := range r.connectors {
		connectors = append(connectors, c.HostPort())
	}
	return Info{
		ID:           r.id,
		State:        r.state.String(),
		Listeners:    slices.Clone(r.listeners),
		Connectors:   connectors,
		Addresses:    maps.Clone(r.addresses),
		Provisioned:  r.provisioned,
		Synchronized: r.state == Synchronized,
	}
}

func (r *Router) markDisconnected(err error) {
	r.mu.Lock()
	if r.state == Disconnected {
		r.mu.Unlock()
		return
	}
	r.state = Disconnected
	r.connectors = nil
	r.addresses = nil
	r.peers = nil
	id := r.id
	logger := r.log
	r.mu.Unlock()

	logger.Info().Err(err).Msg("connection with router lost")
	if id != "" {
		r.notify(models.RouterDisconnected)
	}
}

func (r *Router) setState(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disconnected {
		return false
	}
	r.state = state
	return true
}

func (r *Router) notify(eventType models.RouterEventType) {
	if r.notifyer == nil {
		return
	}
	r.notifyer.NotifyRouterEvent(models.RouterEvent{Type: eventType, RouterID: r.ID()})
}

func (r *Router) queryInterRouter(ctx context.Context, kind entities.Kind) ([]entities.Entity, error) {
	list, err := reconciler.QueryEntities(ctx, r.client, kind)
	if err != nil {
		return nil, err
	}
	filtered := make([]entities.Entity, 0, len(list))
	for _, e := range list {
		if e.String("role") == entities.RoleInterRouter {
			filtered = append(filtered, e)
		}
	}
	return entities.Sort(kind, filtered), nil
}

// retrieveConnectors queries the inter-router connectors, retrying a busy
// router a few times before the set is given up as unknown.
func (r *Router) retrieveConnectors(ctx context.Context) ([]entities.Entity, error) {
	return retry.DoWithData(
		func() ([]entities.Entity, error) {
			return r.queryInterRouter(ctx, entities.Connector)
		},
		retry.Context(ctx),
		retry.Attempts(connectorQueryAttempts),
		retry.Delay(r.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, mgmt.ErrClosed)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			r.log.Warn().Err(err).Msgf("failed to retrieve connectors, attempt %d", attempt+1)
		}),
	)
}

func hostPorts(list []entities.Entity) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.HostPort())
	}
	return out
}

func names(list []entities.Entity) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.Name)
	}
	return out
}
