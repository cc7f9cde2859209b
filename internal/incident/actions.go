package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dispatch"
)

// DefaultSnoozeMinutes applies when Snooze is called without a duration.
const DefaultSnoozeMinutes = 60

// autoCloseActor is recorded as ResolvedBy for sweeper resolutions.
const autoCloseActor = "system:auto-close"

// Get returns a group of the workspace.
func (s *Service) Get(ctx context.Context, workspaceID, id string) (*alert.Group, error) {
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", id, err)
	}
	if g == nil || g.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	return g, nil
}

// Acknowledge moves an OPEN group to ACKED and cancels its pending
// escalations. Acknowledging an ACKED or RESOLVED group changes nothing.
func (s *Service) Acknowledge(ctx context.Context, workspaceID, id, by string) (*alert.Group, error) {
	now := s.now()
	changed := false
	g, err := s.mutate(ctx, workspaceID, id, func(g *alert.Group) bool {
		if g.Status != alert.StatusOpen {
			return false
		}
		g.Status = alert.StatusAcked
		g.AcknowledgedAt = &now
		g.AcknowledgedBy = by
		g.UpdatedAt = now
		changed = true
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.afterClose(ctx, g, "ack")
	}
	return g, nil
}

// Resolve moves an active group to RESOLVED, records the resolution time
// and cancels its pending escalations.
func (s *Service) Resolve(ctx context.Context, workspaceID, id, by string) (*alert.Group, error) {
	now := s.now()
	changed := false
	g, err := s.mutate(ctx, workspaceID, id, func(g *alert.Group) bool {
		if g.Status == alert.StatusResolved {
			return false
		}
		resolve(g, by, now)
		changed = true
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.afterClose(ctx, g, "resolve")
	}
	return g, nil
}

// ResolveBySourceEvent resolves the group owning a source event, used when
// an integration reports that its alert recovered.
func (s *Service) ResolveBySourceEvent(ctx context.Context, workspaceID string, source alert.Source, sourceEventID, by string) (*alert.Group, error) {
	g, err := s.store.FindGroupBySourceEvent(ctx, workspaceID, alert.NormalizeSource(string(source)), sourceEventID)
	if err != nil {
		return nil, fmt.Errorf("find group for %s/%s: %w", source, sourceEventID, err)
	}
	if g == nil {
		return nil, ErrNotFound
	}
	return s.Resolve(ctx, workspaceID, g.ID, by)
}

// Snooze suppresses escalation of a group for minutes (default 60).
// Pending jobs stay armed and are deferred past the window when they fire.
func (s *Service) Snooze(ctx context.Context, workspaceID, id string, minutes int, by string) (*alert.Group, error) {
	if minutes <= 0 {
		minutes = DefaultSnoozeMinutes
	}
	now := s.now()
	until := now.Add(time.Duration(minutes) * time.Minute)
	resolved := false
	g, err := s.mutate(ctx, workspaceID, id, func(g *alert.Group) bool {
		if g.Status == alert.StatusResolved {
			resolved = true
			return false
		}
		g.SnoozeUntil = &until
		g.SnoozedBy = by
		g.UpdatedAt = now
		return true
	})
	if err != nil {
		return nil, err
	}
	if resolved {
		return nil, fmt.Errorf("%w: group %s is resolved", ErrConflict, id)
	}
	s.actionHook("snooze")
	s.logger.Info(ctx, "alert group snoozed", "group_id", id, "until", until, "by", by)
	return g, nil
}

// AutoClose resolves a group whose last event is older than cutoff. It
// implements the sweeper's Closer.
func (s *Service) AutoClose(ctx context.Context, groupID string, cutoff time.Time) (bool, error) {
	now := s.now()
	changed := false
	g, err := s.update(ctx, groupID, func(g *alert.Group) bool {
		if !g.Status.Active() || !g.LastSeenAt.Before(cutoff) {
			return false
		}
		resolve(g, autoCloseActor, now)
		changed = true
		return true
	})
	if err != nil {
		return false, fmt.Errorf("auto-close group %s: %w", groupID, err)
	}
	if !changed || g == nil {
		return false, nil
	}
	s.afterClose(ctx, g, "auto_close")
	return true, nil
}

// GetCorrelation returns the correlation computed when the group opened.
func (s *Service) GetCorrelation(ctx context.Context, workspaceID, id string) (*alert.Correlation, error) {
	if _, err := s.Get(ctx, workspaceID, id); err != nil {
		return nil, err
	}
	c, err := s.store.GetCorrelation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get correlation for %s: %w", id, err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// Notifications returns the dispatch attempts made for a group.
func (s *Service) Notifications(ctx context.Context, workspaceID, id string) ([]dispatch.Attempt, error) {
	if _, err := s.Get(ctx, workspaceID, id); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", id, err)
	}
	return attempts, nil
}

// CancelWorkspaceEscalations withdraws every pending escalation of a
// workspace, used when the workspace is disabled.
func (s *Service) CancelWorkspaceEscalations(ctx context.Context, workspaceID string) (int, error) {
	if s.escalation == nil {
		return 0, nil
	}
	return s.escalation.CancelWorkspace(ctx, workspaceID)
}

// mutate updates a group of the workspace.
func (s *Service) mutate(ctx context.Context, workspaceID, id string, fn GroupMutator) (*alert.Group, error) {
	foreign := false
	g, err := s.update(ctx, id, func(g *alert.Group) bool {
		if g.WorkspaceID != workspaceID {
			foreign = true
			return false
		}
		return fn(g)
	})
	if err != nil {
		return nil, fmt.Errorf("update group %s: %w", id, err)
	}
	if g == nil || foreign {
		return nil, ErrNotFound
	}
	return g, nil
}

// afterClose cancels timers once a group leaves OPEN.
func (s *Service) afterClose(ctx context.Context, g *alert.Group, action string) {
	if _, err := s.cancelJobs(ctx, g.ID); err != nil {
		// fire re-checks status, so a missed cancel cannot dispatch
		s.logger.Error(ctx, err, "failed to cancel escalations", "group_id", g.ID, "action", action)
	}
	s.actionHook(action)
	s.logger.Info(ctx, "alert group "+action, "group_id", g.ID, "workspace_id", g.WorkspaceID, "status", string(g.Status))
}

func (s *Service) actionHook(action string) {
	if s.hooks.OnAction != nil {
		s.hooks.OnAction(action)
	}
}

func resolve(g *alert.Group, by string, now time.Time) {
	g.Status = alert.StatusResolved
	g.ResolvedAt = &now
	g.ResolvedBy = by
	g.ResolutionMinutes = int(now.Sub(g.FirstSeenAt).Minutes())
	g.UpdatedAt = now
}
