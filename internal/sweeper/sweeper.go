// Package sweeper runs the periodic maintenance jobs: expiring lapsed
// subscriptions and failing generations that never settled.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/voxa/internal/clock"
	"github.com/smallbiznis/voxa/internal/config"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	"github.com/smallbiznis/voxa/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/voxa/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireSubscriptions  = "expire_subscriptions"
	JobFailStaleGenerations = "fail_stale_generations"
)

type Params struct {
	fx.In

	Config        config.Config
	Log           *zap.Logger
	Clock         clock.Clock
	Subscriptions subscriptiondomain.Service
	Generations   generationdomain.Service
}

type Sweeper struct {
	cfg           config.SweeperConfig
	log           *zap.Logger
	clock         clock.Clock
	subscriptions subscriptiondomain.Service
	generations   generationdomain.Service
	metrics       *obsmetrics.SweeperMetrics

	cron *cron.Cron
}

func New(p Params) *Sweeper {
	cfg := p.Config.Sweeper
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Second
	}
	return &Sweeper{
		cfg:           cfg,
		log:           p.Log.Named("sweeper"),
		clock:         p.Clock,
		subscriptions: p.Subscriptions,
		generations:   p.Generations,
		metrics: obsmetrics.SweeperWithConfig(obsmetrics.Config{
			ServiceName: p.Config.AppName,
			Environment: p.Config.Environment,
		}),
	}
}

// Start schedules both jobs. Overlapping runs of the same job are skipped.
func (s *Sweeper) Start() error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	jobs := []struct {
		schedule string
		name     string
		fn       func(context.Context) error
	}{
		{s.cfg.ExpirySchedule, JobExpireSubscriptions, s.ExpireSubscriptionsJob},
		{s.cfg.StaleSchedule, JobFailStaleGenerations, s.FailStaleGenerationsJob},
	}
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.schedule, func() {
			if err := s.runJob(context.Background(), job.name, job.fn); err != nil {
				s.log.Error("sweeper job failed", zap.String("job", job.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	s.cron = c
	c.Start()
	s.log.Info("sweeper started",
		zap.String("expiry_schedule", s.cfg.ExpirySchedule),
		zap.String("stale_schedule", s.cfg.StaleSchedule),
	)
	return nil
}

// Stop waits for running jobs or ctx, whichever comes first.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job once, in order, and joins their errors.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	return errors.Join(
		s.runJob(ctx, JobExpireSubscriptions, s.ExpireSubscriptionsJob),
		s.runJob(ctx, JobFailStaleGenerations, s.FailStaleGenerationsJob),
	)
}

func (s *Sweeper) ExpireSubscriptionsJob(ctx context.Context) error {
	n, err := s.subscriptions.ExpireDue(ctx, s.cfg.BatchSize)
	s.metrics.AddProcessed(JobExpireSubscriptions, n)
	if n > 0 {
		s.log.Info("expired lapsed subscriptions", zap.Int64("count", n))
	}
	return err
}

func (s *Sweeper) FailStaleGenerationsJob(ctx context.Context) error {
	n, err := s.generations.FailStale(ctx, s.cfg.BatchSize)
	s.metrics.AddProcessed(JobFailStaleGenerations, n)
	if n > 0 {
		s.log.Warn("failed stale generations", zap.Int64("count", n))
	}
	return err
}

func (s *Sweeper) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()

	log := logger.WithContext(ctx, s.log).With(zap.String("job", name))
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next tick picks up the remainder.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", s.cfg.RunTimeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}
