package memstore

import (
	"context"

	"github.com/linnemanlabs/warden/internal/routing"
)

// ListRules implements routing.RuleSource. It returns every rule of the
// workspace, enabled or not, in no particular order.
func (s *Store) ListRules(_ context.Context, workspaceID string) ([]routing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]routing.Rule, 0, len(s.rules[workspaceID]))
	for _, r := range s.rules[workspaceID] {
		out = append(out, r)
	}
	return out, nil
}

// GetRule returns a rule, or nil.
func (s *Store) GetRule(_ context.Context, workspaceID, id string) (*routing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[workspaceID][id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// PutRule creates or replaces a rule.
func (s *Store) PutRule(_ context.Context, r *routing.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.rules[r.WorkspaceID]
	if !ok {
		ws = make(map[string]routing.Rule)
		s.rules[r.WorkspaceID] = ws
	}
	ws[r.ID] = *r
	return nil
}

// DeleteRule removes a rule and reports whether it existed.
func (s *Store) DeleteRule(_ context.Context, workspaceID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[workspaceID][id]; !ok {
		return false, nil
	}
	delete(s.rules[workspaceID], id)
	return true, nil
}
