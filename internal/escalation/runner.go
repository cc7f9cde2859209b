package escalation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

// RunnerConfig bounds the due-job poller.
type RunnerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	// FireAttempts bounds the tries made for one due job within a poll.
	// A job that still fails stays SCHEDULED for the next poll.
	FireAttempts int
}

// DefaultRunnerConfig polls every 15 seconds.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{PollInterval: 15 * time.Second, BatchSize: 100, Workers: 8, FireAttempts: 3}
}

// Runner polls the store for due jobs and fires them on a bounded pool.
type Runner struct {
	sched  *Scheduler
	cfg    RunnerConfig
	logger log.Logger
}

// NewRunner creates a Runner.
func NewRunner(s *Scheduler, cfg RunnerConfig, logger log.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.FireAttempts <= 0 {
		cfg.FireAttempts = def.FireAttempts
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{sched: s, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info(ctx, "escalation runner started", "poll_interval", r.cfg.PollInterval.String())
	for {
		if n, err := r.Tick(ctx); err != nil {
			r.logger.Error(ctx, err, "escalation poll failed")
		} else if n > 0 {
			r.logger.Info(ctx, "escalation poll", "due", n)
		}
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "escalation runner stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick fires one batch of due jobs and returns how many were due.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	jobs, err := r.sched.store.DueJobs(ctx, r.sched.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, j := range jobs {
		g.Go(func() error {
			if err := r.fire(ctx, j.ID); err != nil {
				r.logger.Error(ctx, err, "escalation fire failed", "job_id", j.ID, "group_id", j.GroupID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

// fire retries OnFire with a short backoff. OnFire claims the job before
// dispatching, so a retry never notifies twice.
func (r *Runner) fire(ctx context.Context, jobID string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (FireOutcome, error) {
		return r.sched.OnFire(ctx, jobID)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(r.cfg.FireAttempts)))
	return err
}
