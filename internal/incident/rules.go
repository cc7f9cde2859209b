package incident

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/routing"
)

// ListRules returns every rule of the workspace in evaluation order,
// disabled rules last.
func (s *Service) ListRules(ctx context.Context, workspaceID string) ([]routing.Rule, error) {
	rules, err := s.store.ListRules(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	ordered := routing.Ordered(rules)
	for _, r := range rules {
		if !r.Enabled {
			ordered = append(ordered, r)
		}
	}
	return ordered, nil
}

// PutRule creates or replaces a rule from its JSON document. An empty id
// creates a new rule. The workspace's cached rule set is invalidated so
// the edit applies to the next routed alert.
func (s *Service) PutRule(ctx context.Context, workspaceID, id string, doc []byte) (*routing.Rule, bool, error) {
	r, err := routing.DecodeRule(doc)
	if err != nil {
		return nil, false, err
	}
	if id == "" {
		id = ulid.Make().String()
	}
	existing, err := s.store.GetRule(ctx, workspaceID, id)
	if err != nil {
		return nil, false, fmt.Errorf("get rule %s: %w", id, err)
	}

	now := s.now()
	r.ID = id
	r.WorkspaceID = workspaceID
	r.CreatedAt = now
	if existing != nil {
		r.CreatedAt = existing.CreatedAt
	}
	r.UpdatedAt = now
	if err := r.Validate(); err != nil {
		return nil, false, err
	}

	if err := s.store.PutRule(ctx, &r); err != nil {
		return nil, false, fmt.Errorf("put rule %s: %w", id, err)
	}
	s.rules.Invalidate(workspaceID)
	s.logger.Info(ctx, "routing rule saved", "workspace_id", workspaceID, "rule_id", id, "priority", r.Priority, "enabled", r.Enabled)
	return &r, existing == nil, nil
}

// DeleteRule removes a rule and invalidates the workspace's cached rules.
func (s *Service) DeleteRule(ctx context.Context, workspaceID, id string) error {
	ok, err := s.store.DeleteRule(ctx, workspaceID, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	s.rules.Invalidate(workspaceID)
	s.logger.Info(ctx, "routing rule deleted", "workspace_id", workspaceID, "rule_id", id)
	return nil
}

// TestRule dry-runs a rule document against a sample alert without saving
// it or dispatching anything.
func (s *Service) TestRule(workspaceID string, doc []byte, a alert.ForEvaluation) (routing.TestResult, error) {
	r, err := routing.DecodeRule(doc)
	if err != nil {
		return routing.TestResult{}, err
	}
	r.WorkspaceID = workspaceID
	if err := r.Validate(); err != nil {
		return routing.TestResult{}, err
	}
	a.WorkspaceID = workspaceID
	return routing.TestRule(r, a), nil
}
