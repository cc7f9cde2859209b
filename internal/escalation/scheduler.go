package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/routing"
)

// FireOutcome is what OnFire did with a job.
type FireOutcome string

const (
	FireDispatched FireOutcome = "fired"
	FireStale      FireOutcome = "stale"
	FireNotDue     FireOutcome = "not_due"
	FireCancelled  FireOutcome = "cancelled"
	FireSnoozed    FireOutcome = "snoozed"
)

// Hooks are optional callbacks for metrics.
type Hooks struct {
	OnFire      func(outcome FireOutcome, level int)
	OnAutoClose func(workspaceID string)
}

// Scheduler arms, fires and cancels escalation jobs.
type Scheduler struct {
	store      Store
	dispatcher dispatch.Dispatcher
	policy     Policy
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, d dispatch.Dispatcher, policy Policy, logger log.Logger, hooks Hooks) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	if policy == nil {
		policy = StaticPolicy{Levels: 3}
	}
	return &Scheduler{
		store:      store,
		dispatcher: d,
		policy:     policy,
		logger:     logger,
		hooks:      hooks,
		now:        time.Now,
	}
}

// Arm schedules the ladder the routed actions describe, starting at the
// group's current escalation level so a re-armed ladder never steps back
// down. It returns nil, nil when the actions configure no escalation or
// the group has already climbed every rung.
func (s *Scheduler) Arm(ctx context.Context, g *alert.Group, ruleID string, actions routing.Actions) (*Job, error) {
	ladder := actions.Ladder(s.policy.MaxLevels(g.WorkspaceID))
	level := max(g.EscalationLevel, 0)
	if level >= len(ladder) {
		return nil, nil
	}
	now := s.now()
	j := newJob(g.WorkspaceID, g.ID, ruleID, level, ladder, now, now.Add(minutes(ladder[level].AfterMinutes)))
	if err := s.Schedule(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Schedule persists j as SCHEDULED, superseding any pending job for the
// same group and level.
func (s *Scheduler) Schedule(ctx context.Context, j *Job) error {
	if j.Level < 0 || j.Level >= len(j.Ladder) {
		return fmt.Errorf("schedule job for group %s: level %d outside ladder of %d", j.GroupID, j.Level, len(j.Ladder))
	}
	if j.ID == "" {
		j.ID = ulid.Make().String()
	}
	now := s.now()
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	j.State = StateScheduled
	j.UpdatedAt = now

	if err := s.store.ScheduleJob(ctx, j); err != nil {
		return fmt.Errorf("schedule job for group %s level %d: %w", j.GroupID, j.Level, err)
	}
	s.logger.Info(ctx, "escalation scheduled",
		"job_id", j.ID,
		"group_id", j.GroupID,
		"level", j.Level,
		"fire_at", j.FireAt,
	)
	return nil
}

// Cancel withdraws a pending job. Cancelling a job that already fired or
// was withdrawn is a no-op; the fire path re-checks group state anyway.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	ok, err := s.store.TransitionJob(ctx, jobID, StateScheduled, StateCancelled, s.now())
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if ok {
		return nil
	}
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if j == nil {
		return ErrJobNotFound
	}
	return nil
}

// CancelGroup withdraws every pending job of a group.
func (s *Scheduler) CancelGroup(ctx context.Context, groupID string) (int, error) {
	n, err := s.store.CancelGroupJobs(ctx, groupID, s.now())
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for group %s: %w", groupID, err)
	}
	if n > 0 {
		s.logger.Info(ctx, "escalations cancelled", "group_id", groupID, "count", n)
	}
	return n, nil
}

// CancelWorkspace withdraws every pending job of a workspace.
func (s *Scheduler) CancelWorkspace(ctx context.Context, workspaceID string) (int, error) {
	n, err := s.store.CancelWorkspaceJobs(ctx, workspaceID, s.now())
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for workspace %s: %w", workspaceID, err)
	}
	s.logger.Info(ctx, "workspace escalations cancelled", "workspace_id", workspaceID, "count", n)
	return n, nil
}

// OnFire handles a due job. It is safe to call more than once for the same
// job and from several processes: only the caller that moves the job from
// SCHEDULED to FIRED dispatches.
func (s *Scheduler) OnFire(ctx context.Context, jobID string) (FireOutcome, error) {
	outcome, level, err := s.fire(ctx, jobID)
	if err != nil {
		return "", err
	}
	if s.hooks.OnFire != nil {
		s.hooks.OnFire(outcome, level)
	}
	return outcome, nil
}

func (s *Scheduler) fire(ctx context.Context, jobID string) (FireOutcome, int, error) {
	now := s.now()
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", 0, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if j == nil || j.State != StateScheduled {
		return FireStale, 0, nil
	}
	if now.Before(j.FireAt) {
		return FireNotDue, j.Level, nil
	}

	g, err := s.store.GetGroup(ctx, j.GroupID)
	if err != nil {
		return "", j.Level, fmt.Errorf("load group %s: %w", j.GroupID, err)
	}
	if g == nil || g.Status != alert.StatusOpen {
		if _, err := s.store.TransitionJob(ctx, j.ID, StateScheduled, StateCancelled, now); err != nil {
			return "", j.Level, fmt.Errorf("cancel job %s: %w", j.ID, err)
		}
		return FireCancelled, j.Level, nil
	}
	if until, ok := s.snoozedUntil(g, now); ok {
		moved, err := s.store.RescheduleJob(ctx, j.ID, until, now)
		if err != nil {
			return "", j.Level, fmt.Errorf("reschedule job %s: %w", j.ID, err)
		}
		if !moved {
			return FireStale, j.Level, nil
		}
		s.logger.Info(ctx, "escalation deferred by snooze",
			"job_id", j.ID, "group_id", g.ID, "level", j.Level, "snooze_until", until)
		return FireSnoozed, j.Level, nil
	}

	// next rung is persisted before the claim; on failure this job stays
	// SCHEDULED and the runner retries it
	next := j.Level + 1
	var nj *Job
	if next < len(j.Ladder) {
		nj = newJob(j.WorkspaceID, j.GroupID, j.RuleID, next, j.Ladder, now, j.FireAt.Add(minutes(j.Ladder[next].AfterMinutes)))
		if err := s.Schedule(ctx, nj); err != nil {
			return "", j.Level, err
		}
	}

	won, err := s.store.TransitionJob(ctx, j.ID, StateScheduled, StateFired, now)
	if err != nil {
		return "", j.Level, fmt.Errorf("fire job %s: %w", j.ID, err)
	}
	if !won {
		return s.lostClaim(ctx, j, nj, now)
	}

	// an ack, resolve or snooze may have landed since the first read
	g, err = s.store.GetGroup(ctx, j.GroupID)
	if err != nil {
		return "", j.Level, fmt.Errorf("reload group %s: %w", j.GroupID, err)
	}
	if g == nil || g.Status != alert.StatusOpen {
		if _, err := s.store.TransitionJob(ctx, j.ID, StateFired, StateCancelled, now); err != nil {
			return "", j.Level, fmt.Errorf("cancel fired job %s: %w", j.ID, err)
		}
		if err := s.withdraw(ctx, nj, StateCancelled, now); err != nil {
			return "", j.Level, err
		}
		return FireCancelled, j.Level, nil
	}
	if until, ok := s.snoozedUntil(g, now); ok {
		return s.deferFired(ctx, j, nj, until, now)
	}

	if err := s.store.RaiseEscalationLevel(ctx, g.ID, next, now); err != nil {
		s.logger.Error(ctx, err, "failed to raise escalation level", "group_id", g.ID, "level", next)
	}

	_, derr := s.dispatcher.Dispatch(ctx, dispatch.Action{
		ChannelID:   j.ChannelID,
		Group:       g,
		MentionHere: j.MentionHere,
		Kind:        dispatch.KindEscalation,
		Level:       j.Level,
		RuleID:      j.RuleID,
		ThreadRef:   g.ThreadRef,
	})
	if derr != nil {
		s.logger.Warn(ctx, "escalation dispatch failed", "job_id", j.ID, "group_id", g.ID, "level", j.Level, "error", derr)
	} else {
		s.logger.Info(ctx, "escalation fired", "job_id", j.ID, "group_id", g.ID, "level", j.Level, "channel_id", j.ChannelID)
	}
	return FireDispatched, j.Level, nil
}

// lostClaim handles a job another caller moved out of SCHEDULED first. A
// rung scheduled by this call is kept when the job fired elsewhere, since
// the winner relies on the same level, and withdrawn when the job was
// cancelled or replaced.
func (s *Scheduler) lostClaim(ctx context.Context, j, nj *Job, now time.Time) (FireOutcome, int, error) {
	if nj == nil {
		return FireStale, j.Level, nil
	}
	cur, err := s.store.GetJob(ctx, j.ID)
	if err != nil {
		return "", j.Level, fmt.Errorf("load job %s: %w", j.ID, err)
	}
	if cur == nil || cur.State != StateFired {
		if err := s.withdraw(ctx, nj, StateCancelled, now); err != nil {
			return "", j.Level, err
		}
	}
	return FireStale, j.Level, nil
}

// deferFired replaces a job that won the fire race with a snooze that
// landed just before dispatch. The replacement is scheduled before the
// fired job and its next rung are retired.
func (s *Scheduler) deferFired(ctx context.Context, j, nj *Job, until, now time.Time) (FireOutcome, int, error) {
	rj := newJob(j.WorkspaceID, j.GroupID, j.RuleID, j.Level, j.Ladder, now, until)
	if err := s.Schedule(ctx, rj); err != nil {
		return "", j.Level, err
	}
	if _, err := s.store.TransitionJob(ctx, j.ID, StateFired, StateSuperseded, now); err != nil {
		return "", j.Level, fmt.Errorf("supersede job %s: %w", j.ID, err)
	}
	if err := s.withdraw(ctx, nj, StateSuperseded, now); err != nil {
		return "", j.Level, err
	}
	return FireSnoozed, j.Level, nil
}

// withdraw moves a pending rung to a terminal state. nil is a no-op.
func (s *Scheduler) withdraw(ctx context.Context, j *Job, to State, now time.Time) error {
	if j == nil {
		return nil
	}
	if _, err := s.store.TransitionJob(ctx, j.ID, StateScheduled, to, now); err != nil {
		return fmt.Errorf("withdraw job %s: %w", j.ID, err)
	}
	return nil
}

// snoozedUntil returns the later of the group and workspace snooze ends.
func (s *Scheduler) snoozedUntil(g *alert.Group, now time.Time) (time.Time, bool) {
	var until time.Time
	if g.Snoozed(now) {
		until = *g.SnoozeUntil
	}
	if ws, ok := s.policy.SnoozedUntil(g.WorkspaceID, now); ok && ws.After(until) {
		until = ws
	}
	return until, !until.IsZero() && now.Before(until)
}

func newJob(workspaceID, groupID, ruleID string, level int, ladder []routing.EscalationStep, now, fireAt time.Time) *Job {
	step := ladder[level]
	return &Job{
		ID:                   ulid.Make().String(),
		WorkspaceID:          workspaceID,
		GroupID:              groupID,
		RuleID:               ruleID,
		Level:                level,
		EscalateAfterMinutes: step.AfterMinutes,
		ChannelID:            step.ChannelID,
		MentionHere:          step.MentionHere,
		Ladder:               ladder,
		State:                StateScheduled,
		ScheduledAt:          now,
		FireAt:               fireAt,
		UpdatedAt:            now,
	}
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
