package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/EnMasseProject/enmasse-sub000/internal/entities"
	"github.com/EnMasseProject/enmasse-sub000/internal/metrics"
)

const MaxAttempts = 3

var ErrNotConverged = errors.New("configuration not converged")

type Reconciler struct {
	log     zerolog.Logger
	metrics metrics.Metrics
	delay   time.Duration
}

func New(m metrics.Metrics, retryDelay time.Duration) *Reconciler {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Reconciler{
		log:     log.With().Str("component", "reconciler").Logger(),
		metrics: m,
		delay:   retryDelay,
	}
}

// Apply converges the target's reconciled kinds on desired, retrying the whole
// pass up to MaxAttempts times. It returns the actual configuration retrieved by
// the converged pass.
func (r *Reconciler) Apply(ctx context.Context, desired entities.Config, target Target) (entities.Config, error) {
	started := time.Now()
	defer func() {
		r.metrics.Duration(metrics.ApplyDuration, time.Since(started))
	}()
	r.log.Info().Msgf("checking configuration of %s", target.ID())

	var actual entities.Config
	err := retry.Do(
		func() error {
			var err error
			actual, err = r.pass(ctx, desired, target)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(MaxAttempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			r.log.Warn().Err(err).Msgf("configuration update for %s not up to date (attempt %d of %d)", target.ID(), attempt+1, MaxAttempts)
		}),
	)
	if err != nil {
		r.metrics.Increment(metrics.ApplyNotConverged)
		r.log.Error().Err(err).Msgf("unable to apply desired configuration to %s; gave up after %d attempts", target.ID(), MaxAttempts)
		if errors.Is(err, ErrNotConverged) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNotConverged, err)
	}
	r.log.Info().Msgf("configuration of %s is up to date", target.ID())
	return actual, nil
}

// pass runs every reconciled kind in order. A kind that needed changes leaves
// the pass unconverged so the next attempt confirms the result.
func (r *Reconciler) pass(ctx context.Context, desired entities.Config, target Target) (entities.Config, error) {
	actual := make(entities.Config, len(entities.Reconciled))
	converged := true
	for _, kind := range entities.Reconciled {
		list, ok, err := r.ensure(ctx, kind, desired[kind], target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.Unrecoverable(err)
			}
			r.log.Error().Err(err).Msgf("failed to retrieve %s from %s", kind, target.ID())
			converged = false
			continue
		}
		if !ok {
			converged = false
			continue
		}
		actual[kind] = list
	}
	if !converged {
		return nil, fmt.Errorf("%w on %s", ErrNotConverged, target.ID())
	}
	return actual, nil
}

func (r *Reconciler) ensure(ctx context.Context, kind entities.Kind, desired []entities.Entity, target Target) ([]entities.Entity, bool, error) {
	actual, err := target.QueryEntities(ctx, kind)
	if err != nil {
		return nil, false, err
	}
	delta := entities.Changes(kind, actual, desired)
	if delta.Converged() {
		if ignored := delta.Ignored(); ignored != 0 {
			r.log.Info().Msgf("%s up to date on %s (ignoring %d elements)", kind, target.ID(), ignored)
		} else {
			r.log.Debug().Msgf("%s up to date on %s", kind, target.ID())
		}
		return entities.Sort(kind, actual), true, nil
	}
	r.log.Debug().Msgf("on %s, have %v, want %v => %s", target.ID(), actual, desired, delta)

	stale := delta.Stale()
	deletions := r.each(ctx, stale, func(ctx context.Context, e entities.Entity) error {
		return target.DeleteEntity(ctx, kind, e.Name)
	})
	r.report(kind, target, "deleted", stale, deletions, actual)

	missing := delta.Missing()
	creations := r.each(ctx, missing, func(ctx context.Context, e entities.Entity) error {
		return target.CreateEntity(ctx, kind, e)
	})
	r.report(kind, target, "created", missing, creations, actual)

	return nil, false, nil
}

// each runs op on every item concurrently. Items fail independently.
func (r *Reconciler) each(ctx context.Context, items []entities.Entity, op func(context.Context, entities.Entity) error) []error {
	results := make([]error, len(items))
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			results[i] = op(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Reconciler) report(kind entities.Kind, target Target, operation string, targets []entities.Entity, results []error, actual []entities.Entity) {
	if len(targets) == 0 {
		return
	}
	okMetric, failedMetric := metrics.EntityCreated, metrics.EntityCreateFailed
	if operation == "deleted" {
		okMetric, failedMetric = metrics.EntityDeleted, metrics.EntityDeleteFailed
	}

	failed := 0
	for i, err := range results {
		if err == nil {
			r.metrics.Increment(okMetric)
			r.log.Info().Msgf("%s %s on %s", operation, kind.Describe(targets[i]), target.ID())
			continue
		}
		failed++
		r.metrics.Increment(failedMetric)
		r.log.Error().Err(err).Msgf("failed to apply %s on %s", kind.Describe(targets[i]), target.ID())
	}
	if failed == 0 {
		r.log.Info().Msgf("had %d %s, %s %d", len(actual), kind, operation, len(targets))
		return
	}
	r.log.Info().Msgf("had %d %s, %s %d of which %d failed:", len(actual), kind, operation, len(targets), failed)
	for i, err := range results {
		if err == nil {
			continue
		}
		if present(kind, targets[i], actual) {
			r.log.Info().Msgf("%s IS in retrieved list", kind.Describe(targets[i]))
		} else {
			r.log.Info().Msgf("%s IS NOT in retrieved list", kind.Describe(targets[i]))
		}
	}
}

func present(kind entities.Kind, e entities.Entity, list []entities.Entity) bool {
	for _, candidate := range list {
		if kind.Equal(e, candidate) {
			return true
		}
	}
	return false
}
