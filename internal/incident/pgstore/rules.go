package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/warden/internal/routing"
)

const ruleColumns = `id, workspace_id, name, description, conditions, actions, priority, enabled, created_at, updated_at`

// ListRules implements routing.RuleSource. Disabled rules are included;
// the cache filters them.
func (s *Store) ListRules(ctx context.Context, workspaceID string) ([]routing.Rule, error) {
	ctx, span := startSpan(ctx, "pgstore.ListRules", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM routing_rules
		WHERE workspace_id = $1 ORDER BY priority, created_at, id`, workspaceID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query rules: %w", err))
	}
	defer rows.Close()

	var out []routing.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate rules: %w", err))
	}
	return out, nil
}

// GetRule returns a rule, or nil.
func (s *Store) GetRule(ctx context.Context, workspaceID, id string) (*routing.Rule, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRule", "SELECT")
	defer span.End()

	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM routing_rules
		WHERE workspace_id = $1 AND id = $2`, workspaceID, id))
	if err != nil {
		return nil, fail(span, err)
	}
	return r, nil
}

// PutRule creates or replaces a rule.
func (s *Store) PutRule(ctx context.Context, r *routing.Rule) error {
	ctx, span := startSpan(ctx, "pgstore.PutRule", "UPSERT")
	defer span.End()

	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fail(span, fmt.Errorf("marshal conditions: %w", err))
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fail(span, fmt.Errorf("marshal actions: %w", err))
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO routing_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workspace_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.WorkspaceID, r.Name, r.Description, conditions, actions, r.Priority, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("upsert rule: %w", err))
	}
	return nil
}

// DeleteRule removes a rule and reports whether it existed.
func (s *Store) DeleteRule(ctx context.Context, workspaceID, id string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.DeleteRule", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM routing_rules WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete rule: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func scanRule(row pgx.Row) (*routing.Rule, error) {
	var (
		r                   routing.Rule
		conditions, actions []byte
	)
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Description, &conditions, &actions,
		&r.Priority, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions of rule %s: %w", r.ID, err)
	}
	return &r, nil
}
