// Package jobs runs the periodic batch passes: partition maintenance, the
// derive pass, and the rolling stats recompute. Each pass is idempotent at
// the storage layer, so overlapping or repeated runs converge rather than
// conflict.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wxtrack/wxtrack/internal/derive"
	"github.com/wxtrack/wxtrack/internal/metrics"
	"github.com/wxtrack/wxtrack/internal/stats"
	"github.com/wxtrack/wxtrack/internal/store"
)

// Partition horizon: keep 3 trailing months writable for late backfills and
// stay 24 months ahead so writers never block on a missing partition.
const (
	TrailingMonths = 3
	LeadingMonths  = 24
)

const (
	maintenanceSpec = "10 3 * * *" // daily, 03:10
	deriveSpec      = "*/15 * * * *"
	statsSpec       = "5 * * * *" // hourly, offset past the derive pass
)

type Scheduler struct {
	store      *store.Store
	engine     *derive.Engine
	aggregator *stats.Aggregator
	clock      clockwork.Clock
	log        *zap.SugaredLogger
	windows    []int
	cron       *cron.Cron
}

func NewScheduler(s *store.Store, engine *derive.Engine, aggregator *stats.Aggregator, clock clockwork.Clock, log *zap.SugaredLogger, windows []int) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		store:      s,
		engine:     engine,
		aggregator: aggregator,
		clock:      clock,
		log:        log,
		windows:    windows,
	}
}

// Run executes every pass once at startup, then on its cron schedule until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.RunMaintenance(ctx)
	s.RunDerive(ctx)
	s.RunStats(ctx)

	s.cron = cron.New()
	for _, entry := range []struct {
		spec string
		fn   func(context.Context)
	}{
		{maintenanceSpec, s.RunMaintenance},
		{deriveSpec, s.RunDerive},
		{statsSpec, s.RunStats},
	} {
		fn := entry.fn
		if _, err := s.cron.AddFunc(entry.spec, func() { fn(ctx) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Infow("scheduler stopped")
	return nil
}

// RunMaintenance ensures the rolling partition horizon. A range overlap is a
// configuration error and fails the pass outright; everything else is
// retried within the pass since partition creation is create-if-absent.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	s.runJob(ctx, "maintenance", func() error {
		if err := s.store.MaintainPartitions(s.clock.Now(), TrailingMonths, LeadingMonths); err != nil {
			if errors.Is(err, store.ErrPartitionOverlap) {
				return backoff.Permanent(err)
			}
			return err
		}
		metrics.PartitionOps.WithLabelValues("maintain").Inc()
		return nil
	})
}

func (s *Scheduler) RunDerive(ctx context.Context) {
	s.runJob(ctx, "derive", func() error {
		return s.engine.ComputePending(ctx)
	})
}

func (s *Scheduler) RunStats(ctx context.Context) {
	s.runJob(ctx, "stats", func() error {
		return s.aggregator.ComputeAll(ctx, s.windows)
	})
}

// RetirePartitions drops hourly partitions older than keepMonths. Exposed as
// an explicit operation rather than a cron entry: retention is destructive,
// so it runs when the operator (or an external trigger) says so.
func (s *Scheduler) RetirePartitions(keepMonths int) (int, error) {
	cutoff := s.clock.Now().UTC().AddDate(0, -keepMonths, 0)
	dropped, err := s.store.DropPartitionsBefore(cutoff)
	if err != nil {
		return dropped, err
	}
	if dropped > 0 {
		metrics.PartitionOps.WithLabelValues("drop").Add(float64(dropped))
		s.log.Infow("partitions retired", "dropped", dropped, "cutoff", cutoff.Format("2006-01"))
	}
	return dropped, nil
}

// runJob wraps one pass with timing, failure accounting and a short
// exponential backoff for transient contention (SQLITE_BUSY under concurrent
// ingest). Permanent errors and context cancellation stop the retries.
func (s *Scheduler) runJob(ctx context.Context, name string, fn func() error) {
	start := s.clock.Now()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return fn()
	}, backoff.WithContext(policy, ctx))

	elapsed := s.clock.Now().Sub(start)
	metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.JobFailures.WithLabelValues(name).Inc()
		s.log.Errorw("job failed", "job", name, "elapsed", elapsed, "error", err)
		return
	}
	s.log.Infow("job completed", "job", name, "elapsed", elapsed)
}
