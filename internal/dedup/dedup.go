// Package dedup maps (workspace, fingerprint) to the alert group that owns
// it and decides whether an event creates, merges into, or reopens it.
//
// The merge decision is a pure function. Atomicity against concurrent
// ingestion of the same fingerprint is the Store's job: Apply must run the
// merge for one key at a time and persist the result together with the
// event, so two racing events can never both see "no group".
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Outcome classifies what an ingest did to the group.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeReopened  Outcome = "reopened"
	OutcomeDuplicate Outcome = "duplicate"
)

// Policy holds merge options.
type Policy struct {
	// ReopenOnCritical moves an ACKED group back to OPEN when a CRITICAL
	// event merges into it.
	ReopenOnCritical bool
}

// MergeFunc computes the next state of the group for a key. existing is
// nil when the key has never been seen. It must not retain existing.
type MergeFunc func(existing *alert.Group) (next *alert.Group, outcome Outcome)

// Applied is what the store persisted.
type Applied struct {
	Group    *alert.Group
	Previous *alert.Group
	Outcome  Outcome
}

// Store persists groups and events.
//
// Apply must:
//   - return OutcomeDuplicate with the owning group, without calling merge,
//     when (workspace, source, sourceEventId) was already stored;
//   - otherwise call merge with the group for (workspace, fingerprint)
//     while holding an exclusive scope for that key, then persist the
//     returned group and the event (with GroupID set) in one transaction.
type Store interface {
	Apply(ctx context.Context, ev *alert.Event, merge MergeFunc) (Applied, error)
}

// Result is the outcome of Ingest.
type Result struct {
	Group *alert.Group
	// IsNew is true only when a group was created.
	IsNew   bool
	Outcome Outcome
	// Previous is the group before this event, nil on create.
	Previous *alert.Group
	// ReopenedFromAck is set when ReopenOnCritical moved ACKED to OPEN.
	ReopenedFromAck bool
}

// Index is the fingerprint index.
type Index struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// New creates an Index.
func New(store Store, policy Policy) *Index {
	return &Index{store: store, policy: policy, now: time.Now}
}

// Ingest validates ev and applies it to its group. ev.ID and ev.ReceivedAt
// are filled in when empty.
func (ix *Index) Ingest(ctx context.Context, ev *alert.Event) (Result, error) {
	ev.Fingerprint = strings.TrimSpace(ev.Fingerprint)
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	now := ix.now()
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}

	applied, err := ix.store.Apply(ctx, ev, func(existing *alert.Group) (*alert.Group, Outcome) {
		return Merge(existing, ev, ix.policy, now)
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply event %s: %w", ev.ID, err)
	}

	res := Result{
		Group:    applied.Group,
		IsNew:    applied.Outcome == OutcomeCreated,
		Outcome:  applied.Outcome,
		Previous: applied.Previous,
	}
	if applied.Outcome == OutcomeMerged && applied.Previous != nil &&
		applied.Previous.Status == alert.StatusAcked && applied.Group.Status == alert.StatusOpen {
		res.ReopenedFromAck = true
	}
	return res, nil
}

// Merge computes the group that results from applying ev.
func Merge(existing *alert.Group, ev *alert.Event, p Policy, now time.Time) (*alert.Group, Outcome) {
	if existing == nil {
		return &alert.Group{
			ID:          ulid.Make().String(),
			WorkspaceID: ev.WorkspaceID,
			Fingerprint: ev.Fingerprint,
			Title:       ev.Title,
			Message:     ev.Message,
			Source:      ev.Source,
			Project:     ev.Project,
			Environment: ev.Environment,
			Tags:        cloneTags(ev.Tags),
			Status:      alert.StatusOpen,
			Severity:    ev.Severity,
			FirstSeenAt: ev.OccurredAt,
			LastSeenAt:  ev.OccurredAt,
			Count:       1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, OutcomeCreated
	}

	g := existing.Clone()
	g.Count++
	g.UpdatedAt = now
	if ev.OccurredAt.Before(g.FirstSeenAt) {
		g.FirstSeenAt = ev.OccurredAt
	}
	if !ev.OccurredAt.Before(g.LastSeenAt) {
		g.LastSeenAt = ev.OccurredAt
		g.Title = ev.Title
		g.Message = ev.Message
		g.Tags = cloneTags(ev.Tags)
		if ev.Project != "" {
			g.Project = ev.Project
		}
		if ev.Environment != "" {
			g.Environment = ev.Environment
		}
	}

	if g.Status == alert.StatusResolved {
		g.Status = alert.StatusOpen
		g.Severity = ev.Severity
		g.EscalationLevel = 0
		g.RoutedRuleID = ""
		g.ThreadRef = ""
		g.SnoozeUntil = nil
		g.SnoozedBy = ""
		g.AcknowledgedAt = nil
		g.AcknowledgedBy = ""
		g.ResolvedAt = nil
		g.ResolvedBy = ""
		g.ResolutionMinutes = 0
		return g, OutcomeReopened
	}

	g.Severity = g.Severity.Max(ev.Severity)
	if p.ReopenOnCritical && g.Status == alert.StatusAcked && ev.Severity == alert.SeverityCritical {
		g.Status = alert.StatusOpen
		g.AcknowledgedAt = nil
		g.AcknowledgedBy = ""
	}
	return g, OutcomeMerged
}

func cloneTags(t map[string]string) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
