// Package scheduler runs the periodic maintenance jobs: payment reconciliation,
// expiry sweeps and housekeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/clock"
	"github.com/digkill/imagecredit/internal/metrics"
)

const guestIdle = 30 * 24 * time.Hour

// Job is one named unit of periodic work.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron
	jobs    []Job
}

func New(log *zap.Logger, m *metrics.Metrics, jobs ...Job) *Scheduler {
	log = log.Named("scheduler")
	return &Scheduler{
		log:     log,
		metrics: m,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{log.Sugar()}),
			cron.WithChain(cron.Recover(cronLogger{log.Sugar()}), cron.SkipIfStillRunning(cronLogger{log.Sugar()})),
		),
		jobs: jobs,
	}
}

// Start registers every job and starts the cron loop.
func (s *Scheduler) Start() error {
	for _, job := range s.jobs {
		if _, err := s.cron.AddFunc(job.Spec, func() {
			if err := s.runJob(context.Background(), job); err != nil {
				s.log.Error("job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job immediately, in order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	for _, job := range s.jobs {
		err = errors.Join(err, s.runJob(ctx, job))
	}
	return err
}

func (s *Scheduler) runJob(parent context.Context, job Job) error {
	started := time.Now()
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := job.Run(ctx)
	if s.metrics != nil {
		s.metrics.ObserveJob(job.Name, started, err)
	}
	log := s.log.With(zap.String("job", job.Name), zap.Duration("took", time.Since(started)))
	if err == nil {
		log.Debug("job finished")
		return nil
	}
	// A deadline is a soft failure: the next tick picks up the rest.
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", job.Name, err)
}

type cronLogger struct {
	*zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}

type Reconciler interface {
	Reconcile(ctx context.Context) error
	PurgeAbandoned(ctx context.Context) (int64, error)
}

type ImageSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type MissionPruner interface {
	PruneLogs(ctx context.Context) (int64, error)
}

type GuestCleaner interface {
	CleanupGuests(ctx context.Context, now time.Time, idle time.Duration) (int64, error)
}

type ClockSyncer interface {
	Refresh(ctx context.Context) error
}

// Deps are the services the standard jobs drive. Nil members skip their jobs.
type Deps struct {
	Orders   Reconciler
	Images   ImageSweeper
	Missions MissionPruner
	Guests   GuestCleaner
	Clock    clock.Clock
	Trusted  ClockSyncer
}

// StandardJobs returns the service's maintenance schedule.
func StandardJobs(d Deps) []Job {
	var jobs []Job
	if d.Orders != nil {
		jobs = append(jobs,
			Job{Name: "reconcile_orders", Spec: "@every 1m", Timeout: 50 * time.Second, Run: d.Orders.Reconcile},
			Job{Name: "purge_orders", Spec: "@daily", Timeout: time.Minute, Run: func(ctx context.Context) error {
				_, err := d.Orders.PurgeAbandoned(ctx)
				return err
			}},
		)
	}
	if d.Images != nil {
		jobs = append(jobs, Job{Name: "sweep_images", Spec: "@every 1h", Timeout: 5 * time.Minute, Run: func(ctx context.Context) error {
			_, err := d.Images.SweepExpired(ctx)
			return err
		}})
	}
	if d.Missions != nil {
		jobs = append(jobs, Job{Name: "prune_mission_logs", Spec: "@every 1h", Timeout: time.Minute, Run: func(ctx context.Context) error {
			_, err := d.Missions.PruneLogs(ctx)
			return err
		}})
	}
	if d.Guests != nil {
		clk := d.Clock
		if clk == nil {
			clk = clock.System()
		}
		jobs = append(jobs, Job{Name: "cleanup_guests", Spec: "@daily", Timeout: time.Minute, Run: func(ctx context.Context) error {
			_, err := d.Guests.CleanupGuests(ctx, clk.Now(), guestIdle)
			return err
		}})
	}
	if d.Trusted != nil {
		jobs = append(jobs, Job{Name: "sync_clock", Spec: "@every 12h", Timeout: 10 * time.Second, Run: d.Trusted.Refresh})
	}
	return jobs
}
