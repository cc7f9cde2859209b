package dispatch

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
)

// Attempt is the recorded outcome of one dispatch (after retries).
type Attempt struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspaceId"`
	GroupID     string        `json:"alertGroupId"`
	RuleID      string        `json:"ruleId,omitempty"`
	ChannelID   string        `json:"channelId"`
	Kind        Kind          `json:"kind"`
	Level       int           `json:"escalationLevel"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	MessageID   string        `json:"messageId,omitempty"`
	Duration    time.Duration `json:"duration"`
	At          time.Time     `json:"at"`
}

// AttemptLog stores attempts.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Recorded wraps a Dispatcher and records every outcome. Recording
// failures are logged and never change the dispatch result.
type Recorded struct {
	next     Dispatcher
	log      AttemptLog
	logger   log.Logger
	now      func() time.Time
	onResult func(Attempt)
}

// NewRecorded wraps next. onResult may be nil.
func NewRecorded(next Dispatcher, attempts AttemptLog, logger log.Logger, onResult func(Attempt)) *Recorded {
	if logger == nil {
		logger = log.Nop()
	}
	return &Recorded{next: next, log: attempts, logger: logger, now: time.Now, onResult: onResult}
}

// Dispatch implements Dispatcher.
func (r *Recorded) Dispatch(ctx context.Context, a Action) (Receipt, error) {
	start := r.now()
	rec, err := r.next.Dispatch(ctx, a)

	at := Attempt{
		ID:        ulid.Make().String(),
		ChannelID: a.ChannelID,
		RuleID:    a.RuleID,
		Kind:      a.Kind,
		Level:     a.Level,
		Success:   err == nil,
		MessageID: rec.MessageID,
		Duration:  r.now().Sub(start),
		At:        start,
	}
	if a.Group != nil {
		at.WorkspaceID = a.Group.WorkspaceID
		at.GroupID = a.Group.ID
	}
	if err != nil {
		at.Error = err.Error()
		r.logger.Warn(ctx, "dispatch failed",
			"group_id", at.GroupID, "channel_id", a.ChannelID, "kind", string(a.Kind), "level", a.Level, "error", err)
	}

	if r.log != nil {
		// record even when the caller's context is already done
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if lerr := r.log.RecordAttempt(lctx, at); lerr != nil {
			r.logger.Error(ctx, lerr, "failed to record dispatch attempt", "group_id", at.GroupID)
		}
		cancel()
	}
	if r.onResult != nil {
		r.onResult(at)
	}
	return rec, err
}
