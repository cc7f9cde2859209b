package dispatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// ReliableConfig bounds delivery.
type ReliableConfig struct {
	// AttemptTimeout bounds each adapter call.
	AttemptTimeout time.Duration
	// MaxAttempts includes the first try.
	MaxAttempts int
	// MaxElapsed bounds all attempts together, waits included.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RatePerSecond limits sends per channel; 0 disables limiting.
	RatePerSecond float64
	Burst         int
}

// DefaultReliableConfig returns conservative delivery bounds.
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		AttemptTimeout:  10 * time.Second,
		MaxAttempts:     3,
		MaxElapsed:      time.Minute,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		RatePerSecond:   1,
		Burst:           3,
	}
}

// Reliable retries a Dispatcher with bounded exponential backoff, a
// per-attempt timeout and a per-channel rate limit.
type Reliable struct {
	next Dispatcher
	cfg  ReliableConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewReliable wraps next.
func NewReliable(next Dispatcher, cfg ReliableConfig) *Reliable {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Reliable{next: next, cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// Dispatch implements Dispatcher.
func (r *Reliable) Dispatch(ctx context.Context, a Action) (Receipt, error) {
	if r.cfg.MaxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.MaxElapsed)
		defer cancel()
	}

	eb := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		eb.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		eb.MaxInterval = r.cfg.MaxInterval
	}

	op := func() (Receipt, error) {
		if err := r.wait(ctx, a.ChannelID); err != nil {
			return Receipt{}, backoff.Permanent(err)
		}
		actx := ctx
		if r.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
			defer cancel()
		}
		rec, err := r.next.Dispatch(actx, a)
		if err == nil {
			return rec, nil
		}
		if IsPermanent(err) {
			return Receipt{}, backoff.Permanent(err)
		}
		var rl *RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			return Receipt{}, backoff.RetryAfter(int(math.Ceil(rl.RetryAfter.Seconds())))
		}
		return Receipt{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	}
	if r.cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.cfg.MaxElapsed))
	}
	return backoff.Retry(ctx, op, opts...)
}

func (r *Reliable) wait(ctx context.Context, channel string) error {
	if r.cfg.RatePerSecond <= 0 {
		return nil
	}
	r.mu.Lock()
	lim, ok := r.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), r.cfg.Burst)
		r.limiters[channel] = lim
	}
	r.mu.Unlock()
	return lim.Wait(ctx)
}
