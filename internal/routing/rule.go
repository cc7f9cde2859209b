// Package routing selects the destination for an alert group.
//
// Rules are evaluated in ascending Priority (1 before 2). Equal priorities
// fall back to CreatedAt, oldest first, then ID. The first enabled rule
// whose conditions match wins and evaluation stops there.
package routing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/condition"
)

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid routing rule")

// Rule is a workspace routing rule.
type Rule struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Conditions  condition.Group `json:"conditions"`
	Actions     Actions         `json:"actions"`
	Priority    int             `json:"priority"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Actions is what a matched rule asks the dispatcher and scheduler to do.
type Actions struct {
	ChannelID             string `json:"channelId"`
	MentionHere           bool   `json:"mentionHere,omitempty"`
	MentionChannel        bool   `json:"mentionChannel,omitempty"`
	EscalateAfterMinutes  int    `json:"escalateAfterMinutes,omitempty"`
	EscalationChannelID   string `json:"escalationChannelId,omitempty"`
	EscalationMentionHere bool   `json:"escalationMentionHere,omitempty"`
	// EscalationLevels configures levels after the first, in order.
	EscalationLevels []EscalationStep `json:"escalationLevels,omitempty"`
}

// EscalationStep is one rung of the escalation ladder. AfterMinutes is
// measured from when the previous rung fired (or from routing for level 0).
type EscalationStep struct {
	AfterMinutes int    `json:"afterMinutes"`
	ChannelID    string `json:"channelId,omitempty"`
	MentionHere  bool   `json:"mentionHere,omitempty"`
}

// Ladder expands the actions into escalation steps, at most maxLevels
// long. An empty ladder means no escalation is armed. Steps without a
// channel fall back to the routed channel.
func (a Actions) Ladder(maxLevels int) []EscalationStep {
	if a.EscalateAfterMinutes <= 0 || maxLevels <= 0 {
		return nil
	}
	ladder := []EscalationStep{{
		AfterMinutes: a.EscalateAfterMinutes,
		ChannelID:    a.EscalationChannelID,
		MentionHere:  a.EscalationMentionHere,
	}}
	for _, s := range a.EscalationLevels {
		if s.AfterMinutes <= 0 {
			break
		}
		ladder = append(ladder, s)
	}
	if len(ladder) > maxLevels {
		ladder = ladder[:maxLevels]
	}
	for i := range ladder {
		if ladder[i].ChannelID == "" {
			ladder[i].ChannelID = a.ChannelID
		}
	}
	return ladder
}

// Validate checks the rule for write-time errors.
func (r *Rule) Validate() error {
	var errs []error
	if strings.TrimSpace(r.WorkspaceID) == "" {
		errs = append(errs, fmt.Errorf("workspaceId: required"))
	}
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, fmt.Errorf("name: required"))
	}
	if r.Priority < 0 {
		errs = append(errs, fmt.Errorf("priority: must be >= 0"))
	}
	if strings.TrimSpace(r.Actions.ChannelID) == "" {
		errs = append(errs, fmt.Errorf("actions.channelId: required"))
	}
	if r.Actions.EscalateAfterMinutes < 0 {
		errs = append(errs, fmt.Errorf("actions.escalateAfterMinutes: must be >= 0"))
	}
	for i, s := range r.Actions.EscalationLevels {
		if s.AfterMinutes <= 0 {
			errs = append(errs, fmt.Errorf("actions.escalationLevels[%d].afterMinutes: must be > 0", i))
		}
	}
	if err := condition.Validate(r.Conditions); err != nil {
		errs = append(errs, fmt.Errorf("conditions: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRule, errors.Join(errs...))
	}
	return nil
}

// less orders rules for evaluation.
func less(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
