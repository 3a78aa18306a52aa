package metrics

import "time"

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

const (
	EntityCreated       = "entity.created"
	EntityCreateFailed  = "entity.create_failed"
	EntityDeleted       = "entity.deleted"
	EntityDeleteFailed  = "entity.delete_failed"
	ApplyDuration       = "apply.duration"
	ApplyNotConverged   = "apply.not_converged"
	ConnectedRouters    = "routers.connected"
	KnownRouters        = "routers.known"
	ConnectorsCreated   = "connectors.created"
	ConnectorsDeleted   = "connectors.deleted"
	HealthCheckFailed   = "healthcheck.failed"
	HealthCheckPassed   = "healthcheck.passed"
	AdvertisementsSent  = "gossip.sent"
	AdvertisementsMerge = "gossip.merged"
)

// Noop discards every metric.
type Noop struct{}

func (Noop) Increment(string)               {}
func (Noop) Duration(string, time.Duration) {}
func (Noop) Gauge(string, int)              {}
