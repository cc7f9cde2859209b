package escalation

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
)

// StaleLister pages through active groups idle since before.
type StaleLister interface {
	// StaleGroups returns OPEN or ACKED groups with LastSeenAt < before and
	// ID > afterID, ordered by ID.
	StaleGroups(ctx context.Context, before time.Time, afterID string, limit int) ([]*alert.Group, error)
}

// Closer resolves one idle group and cancels its jobs. It reports false
// when the group saw activity after cutoff or is no longer active.
type Closer interface {
	AutoClose(ctx context.Context, groupID string, cutoff time.Time) (bool, error)
}

// Sweeper resolves groups that have been idle for their workspace's
// inactivity window.
type Sweeper struct {
	groups   StaleLister
	closer   Closer
	policy   Policy
	logger   log.Logger
	hooks    Hooks
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(groups StaleLister, closer Closer, policy Policy, interval time.Duration, logger log.Logger, hooks Hooks) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = log.Nop()
	}
	if policy == nil {
		policy = StaticPolicy{}
	}
	return &Sweeper{
		groups:   groups,
		closer:   closer,
		policy:   policy,
		logger:   logger,
		hooks:    hooks,
		interval: interval,
		batch:    200,
		now:      time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "auto-close sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error(ctx, err, "auto-close sweep failed", "closed", n)
			} else if n > 0 {
				s.logger.Info(ctx, "auto-close sweep", "closed", n)
			}
		}
	}
}

// Sweep makes one pass and returns how many groups it resolved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	// inactivityDays is at least 1, so nothing younger than a day qualifies
	before := now.Add(-24 * time.Hour)

	closed := 0
	after := ""
	for {
		page, err := s.groups.StaleGroups(ctx, before, after, s.batch)
		if err != nil {
			return closed, err
		}
		for _, g := range page {
			cfg := s.policy.AutoCloseFor(g.WorkspaceID)
			if !cfg.Enabled || cfg.InactivityDays <= 0 {
				continue
			}
			cutoff := now.Add(-time.Duration(cfg.InactivityDays) * 24 * time.Hour)
			if !g.LastSeenAt.Before(cutoff) {
				continue
			}
			ok, err := s.closer.AutoClose(ctx, g.ID, cutoff)
			if err != nil {
				s.logger.Error(ctx, err, "failed to auto-close group", "group_id", g.ID)
				continue
			}
			if ok {
				closed++
				if s.hooks.OnAutoClose != nil {
					s.hooks.OnAutoClose(g.WorkspaceID)
				}
			}
		}
		if len(page) < s.batch {
			return closed, ctx.Err()
		}
		after = page[len(page)-1].ID
	}
}
