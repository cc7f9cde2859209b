package incident

import (
	"context"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dedup"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/escalation"
	"github.com/linnemanlabs/warden/internal/routing"
)

// GroupMutator edits a group in place and reports whether it changed.
type GroupMutator = func(g *alert.Group) bool

// Store is the persistence interface for the engine.
type Store interface {
	dedup.Store
	escalation.Store
	escalation.StaleLister
	routing.RuleSource
	dispatch.AttemptLog

	// UpdateGroup runs fn under the same per-key scope as Apply and
	// persists the group when fn returns true. It returns nil, nil when the
	// group does not exist.
	UpdateGroup(ctx context.Context, id string, fn GroupMutator) (*alert.Group, error)
	// FindGroupBySourceEvent returns the group that owns the event, or nil.
	FindGroupBySourceEvent(ctx context.Context, workspaceID string, source alert.Source, sourceEventID string) (*alert.Group, error)
	// CorrelationCandidates lists OPEN and ACKED groups seen since since,
	// most recent first.
	CorrelationCandidates(ctx context.Context, workspaceID string, since time.Time, limit int) ([]*alert.Group, error)

	PutCorrelation(ctx context.Context, c *alert.Correlation) error
	// GetCorrelation returns the newest correlation whose primary is groupID.
	GetCorrelation(ctx context.Context, groupID string) (*alert.Correlation, error)

	GetRule(ctx context.Context, workspaceID, id string) (*routing.Rule, error)
	PutRule(ctx context.Context, r *routing.Rule) error
	DeleteRule(ctx context.Context, workspaceID, id string) (bool, error)

	// ListAttempts returns the notification log of a group, oldest first.
	ListAttempts(ctx context.Context, groupID string) ([]dispatch.Attempt, error)
}
