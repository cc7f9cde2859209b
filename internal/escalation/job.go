// Package escalation schedules, fires and cancels timed escalation jobs.
//
// Jobs are durable rows, not in-process timers. A job for (group, level)
// moves SCHEDULED -> FIRED, or to SUPERSEDED/CANCELLED when replaced or
// withdrawn. Firing is a compare-and-set on the job state, so a job
// redelivered after a restart or picked up by two pollers dispatches once.
package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/routing"
)

// State is the lifecycle state of a job.
type State string

const (
	StateScheduled  State = "scheduled"
	StateFired      State = "fired"
	StateSuperseded State = "superseded"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSuperseded || s == StateCancelled
}

// ErrJobNotFound is returned by Cancel for unknown ids.
var ErrJobNotFound = errors.New("escalation job not found")

// Job is one rung of an armed escalation ladder. It carries the remaining
// ladder so later levels survive edits or deletion of the routing rule.
type Job struct {
	ID                   string                   `json:"id"`
	WorkspaceID          string                   `json:"workspaceId"`
	GroupID              string                   `json:"alertGroupId"`
	RuleID               string                   `json:"ruleId,omitempty"`
	Level                int                      `json:"escalationLevel"`
	EscalateAfterMinutes int                      `json:"escalateAfterMinutes"`
	ChannelID            string                   `json:"channelId"`
	MentionHere          bool                     `json:"mentionHere"`
	Ladder               []routing.EscalationStep `json:"ladder"`
	State                State                    `json:"state"`
	ScheduledAt          time.Time                `json:"scheduledAt"`
	FireAt               time.Time                `json:"fireAt"`
	FiredAt              *time.Time               `json:"firedAt,omitempty"`
	UpdatedAt            time.Time                `json:"updatedAt"`
}

// Store persists jobs and the group fields escalation reads and writes.
type Store interface {
	// ScheduleJob inserts j as SCHEDULED, moving any other SCHEDULED job
	// for the same (group, level) to SUPERSEDED in the same transaction.
	ScheduleJob(ctx context.Context, j *Job) error
	// GetJob returns nil, nil when the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
	// TransitionJob sets the state to `to` only if it is currently `from`.
	TransitionJob(ctx context.Context, id string, from, to State, at time.Time) (bool, error)
	// RescheduleJob moves FireAt of a SCHEDULED job.
	RescheduleJob(ctx context.Context, id string, fireAt, at time.Time) (bool, error)
	CancelGroupJobs(ctx context.Context, groupID string, at time.Time) (int, error)
	CancelWorkspaceJobs(ctx context.Context, workspaceID string, at time.Time) (int, error)
	// DueJobs lists SCHEDULED jobs with FireAt <= now, oldest first.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// GetGroup returns nil, nil when the group does not exist.
	GetGroup(ctx context.Context, id string) (*alert.Group, error)
	// RaiseEscalationLevel sets the group's level to max(current, level).
	RaiseEscalationLevel(ctx context.Context, groupID string, level int, at time.Time) error
}

// Policy supplies per-workspace overlays at call time.
type Policy interface {
	// MaxLevels is the escalation ladder depth.
	MaxLevels(workspaceID string) int
	// SnoozedUntil reports a workspace-wide snooze window covering now.
	SnoozedUntil(workspaceID string, now time.Time) (time.Time, bool)
	// AutoCloseFor is the inactivity policy for the workspace.
	AutoCloseFor(workspaceID string) alert.AutoCloseConfig
}

// StaticPolicy applies the same settings to every workspace.
type StaticPolicy struct {
	Levels    int
	AutoClose alert.AutoCloseConfig
}

func (p StaticPolicy) MaxLevels(string) int { return p.Levels }

func (p StaticPolicy) SnoozedUntil(string, time.Time) (time.Time, bool) {
	return time.Time{}, false
}

func (p StaticPolicy) AutoCloseFor(string) alert.AutoCloseConfig { return p.AutoClose }
