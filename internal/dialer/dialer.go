package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/EnMasseProject/enmasse-sub000/internal/metrics"
	"github.com/EnMasseProject/enmasse-sub000/internal/reconciler"
	"github.com/EnMasseProject/enmasse-sub000/internal/router"
	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt"
)

const (
	defaultPort    = 55672
	defaultTLSPort = 55671
)

type Config struct {
	Endpoints     []string      `envconfig:"ROUTER_ENDPOINTS,optional"`
	Port          int           `envconfig:"AMQP_PORT,optional"`
	TLS           bool          `envconfig:"AMQP_TLS,default=false"`
	NumConnectors int           `envconfig:"ROUTER_NUM_CONNECTORS,default=1"`
	RetryDelay    time.Duration `envconfig:"ROUTER_RECONNECT_DELAY,default=1s"`
	MaxRetryDelay time.Duration `envconfig:"ROUTER_RECONNECT_MAX_DELAY,default=30s"`
	ApplyDelay    time.Duration `envconfig:"ROUTER_APPLY_RETRY_DELAY,default=100ms"`
	// SessionEvery bounds how often one endpoint may start a new session.
	SessionEvery time.Duration `envconfig:"ROUTER_SESSION_INTERVAL,default=4s"`
	SessionBurst int           `envconfig:"ROUTER_SESSION_BURST,default=4"`
}

// DefaultPort is the management port used for endpoints that omit one.
func (c Config) DefaultPort() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.TLS {
		return defaultTLSPort
	}
	return defaultPort
}

// DialFunc opens a management link to addr.
type DialFunc func(ctx context.Context, addr string) (mgmt.Link, error)

// Registry is told about every opened and every lost router connection.
type Registry interface {
	RouterConnected(ctx context.Context, r *router.Router)
	RouterDisconnected(ctx context.Context, r *router.Router)
}

// Dialer keeps one management connection per router endpoint, redialing with
// backoff whenever a connection is lost.
type Dialer struct {
	cfg        Config
	dial       DialFunc
	registry   Registry
	notifyer   router.Notifyer
	reconciler *reconciler.Reconciler
	metrics    metrics.Metrics
}

func New(cfg Config, dial DialFunc, registry Registry, n router.Notifyer, m metrics.Metrics) *Dialer {
	if m == nil {
		m = metrics.Noop{}
	}
	if cfg.NumConnectors <= 0 {
		cfg.NumConnectors = 1
	}
	if cfg.SessionBurst <= 0 {
		cfg.SessionBurst = 1
	}
	return &Dialer{
		cfg:        cfg,
		dial:       dial,
		registry:   registry,
		notifyer:   n,
		reconciler: reconciler.New(m, cfg.ApplyDelay),
		metrics:    m,
	}
}

// AMQPDialFunc dials routers over AMQP 1.0 announcing containerID.
func AMQPDialFunc(containerID string, cfg Config) DialFunc {
	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return func(ctx context.Context, addr string) (mgmt.Link, error) {
		link, err := mgmt.DialAMQP(ctx, addr, mgmt.AMQPOptions{
			ContainerID: containerID,
			TLSConfig:   tlsConfig,
		})
		if err != nil {
			return nil, err
		}
		return link, nil
	}
}

// Run supervises every configured endpoint until ctx is done.
func (d *Dialer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, endpoint := range d.cfg.Endpoints {
		addr, err := Normalize(endpoint, d.cfg.DefaultPort())
		if err != nil {
			return err
		}
		g.Go(func() error {
			d.supervise(gctx, addr)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dialer) supervise(ctx context.Context, addr string) {
	logger := log.With().Str("component", "dialer").Str("endpoint", addr).Logger()
	limiter := rate.NewLimiter(rate.Every(d.cfg.SessionEvery), d.cfg.SessionBurst)
	for ctx.Err() == nil {
		err := limiter.Wait(ctx)
		if err != nil {
			return
		}
		s, err := retry.DoWithData(
			func() (session, error) {
				return d.open(ctx, addr)
			},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(d.cfg.RetryDelay),
			retry.MaxDelay(d.cfg.MaxRetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(attempt uint, err error) {
				logger.Warn().Err(err).Msgf("failed to connect to router, attempt %d", attempt+1)
			}),
		)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("gave up connecting to router")
			}
			return
		}

		d.registry.RouterConnected(ctx, s.router)
		err = <-s.done
		d.registry.RouterDisconnected(ctx, s.router)
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msgf("lost connection to router %s, reconnecting", s.router.ID())
	}
}

type session struct {
	router *router.Router
	done   <-chan error
}

// open dials addr and retrieves the router configuration. done yields the result of
// the connection's Run once it is lost.
func (d *Dialer) open(ctx context.Context, addr string) (session, error) {
	link, err := d.dial(ctx, addr)
	if err != nil {
		return session{}, err
	}
	client := mgmt.NewClient(addr, link)
	r := router.New(client, router.Config{
		NumConnectors: d.cfg.NumConnectors,
		RetryDelay:    d.cfg.ApplyDelay,
	}, d.reconciler, d.notifyer, d.metrics)

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()
	err = r.Open(ctx)
	if err != nil {
		_ = r.Close()
		<-done
		if errors.Is(err, context.Canceled) {
			return session{}, retry.Unrecoverable(err)
		}
		return session{}, fmt.Errorf("failed to open router at %s: %w", addr, err)
	}
	return session{router: r, done: done}, nil
}

// Normalize appends defaultPort to an endpoint that has none.
func Normalize(endpoint string, defaultPort int) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("empty router endpoint")
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return net.JoinHostPort(endpoint, strconv.Itoa(defaultPort)), nil
	}
	if host == "" {
		return "", fmt.Errorf("router endpoint %q has no host", endpoint)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("router endpoint %q has invalid port: %w", endpoint, err)
	}
	return endpoint, nil
}
