// Package pgstore provides a PostgreSQL implementation of incident.Store.
//
// Apply serializes writers of one (workspace, fingerprint) with a
// transaction-scoped advisory lock, so the merge and the event insert see a
// consistent group row. Escalation jobs are rows in escalation_jobs; a
// partial unique index keeps at most one scheduled job per (group, level).
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dedup"
	"github.com/linnemanlabs/warden/internal/dispatch"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store persists groups, events, correlations, jobs, rules and the
// notification log in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New applies the schema on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const groupColumns = `id, workspace_id, fingerprint, title, message, source, project, environment, tags,
	status, severity, first_seen_at, last_seen_at, count, assigned_roles, linked_release,
	escalation_level, routed_rule_id, thread_ref, snooze_until, snoozed_by, acknowledged_at,
	acknowledged_by, resolved_at, resolved_by, resolution_minutes, created_at, updated_at`

// Apply implements dedup.Store. A unique violation on the event insert
// means a concurrent retry of the same source event committed first; the
// second pass then reports it as a duplicate.
func (s *Store) Apply(ctx context.Context, ev *alert.Event, merge dedup.MergeFunc) (dedup.Applied, error) {
	ctx, span := startSpan(ctx, "pgstore.Apply", "UPSERT")
	defer span.End()

	var (
		res dedup.Applied
		err error
	)
	for range 2 {
		res, err = s.applyOnce(ctx, ev, merge)
		if !isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return dedup.Applied{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("warden.dedup.outcome", string(res.Outcome)))
	return res, nil
}

func (s *Store) applyOnce(ctx context.Context, ev *alert.Event, merge dedup.MergeFunc) (dedup.Applied, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dedup.Applied{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		"group:"+ev.WorkspaceID+"/"+ev.Fingerprint); err != nil {
		return dedup.Applied{}, fmt.Errorf("lock fingerprint: %w", err)
	}

	if ev.SourceEventID != "" {
		g, err := scanGroup(tx.QueryRow(ctx, `SELECT `+prefixed("g.")+`
			FROM alert_events e JOIN alert_groups g ON g.id = e.group_id
			WHERE e.workspace_id = $1 AND e.source = $2 AND e.source_event_id = $3`,
			ev.WorkspaceID, string(ev.Source), ev.SourceEventID))
		if err != nil {
			return dedup.Applied{}, err
		}
		if g != nil {
			return dedup.Applied{Group: g, Previous: g.Clone(), Outcome: dedup.OutcomeDuplicate}, nil
		}
	}

	existing, err := scanGroup(tx.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM alert_groups WHERE workspace_id = $1 AND fingerprint = $2 FOR UPDATE`,
		ev.WorkspaceID, ev.Fingerprint))
	if err != nil {
		return dedup.Applied{}, err
	}

	next, outcome := merge(existing.Clone())
	if err := writeGroup(ctx, tx, next); err != nil {
		return dedup.Applied{}, err
	}
	if err := insertEvent(ctx, tx, ev, next.ID); err != nil {
		return dedup.Applied{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return dedup.Applied{}, fmt.Errorf("commit: %w", err)
	}
	return dedup.Applied{Group: next, Previous: existing, Outcome: outcome}, nil
}

// UpdateGroup implements incident.Store. The row lock serializes it with
// Apply, which locks the same row before merging.
func (s *Store) UpdateGroup(ctx context.Context, id string, fn func(g *alert.Group) bool) (*alert.Group, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateGroup", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	g, err := scanGroup(tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM alert_groups WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fail(span, err)
	}
	if g == nil || !fn(g) {
		return g, nil
	}
	if err := writeGroup(ctx, tx, g); err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return g, nil
}

// GetGroup implements escalation.Store.
func (s *Store) GetGroup(ctx context.Context, id string) (*alert.Group, error) {
	ctx, span := startSpan(ctx, "pgstore.GetGroup", "SELECT")
	defer span.End()

	g, err := scanGroup(s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM alert_groups WHERE id = $1`, id))
	if err != nil {
		return nil, fail(span, err)
	}
	return g, nil
}

// FindGroupBySourceEvent implements incident.Store.
func (s *Store) FindGroupBySourceEvent(ctx context.Context, workspaceID string, source alert.Source, sourceEventID string) (*alert.Group, error) {
	ctx, span := startSpan(ctx, "pgstore.FindGroupBySourceEvent", "SELECT")
	defer span.End()

	g, err := scanGroup(s.pool.QueryRow(ctx, `SELECT `+prefixed("g.")+`
		FROM alert_events e JOIN alert_groups g ON g.id = e.group_id
		WHERE e.workspace_id = $1 AND e.source = $2 AND e.source_event_id = $3`,
		workspaceID, string(source), sourceEventID))
	if err != nil {
		return nil, fail(span, err)
	}
	return g, nil
}

// CorrelationCandidates implements incident.Store.
func (s *Store) CorrelationCandidates(ctx context.Context, workspaceID string, since time.Time, limit int) ([]*alert.Group, error) {
	ctx, span := startSpan(ctx, "pgstore.CorrelationCandidates", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+groupColumns+` FROM alert_groups
		WHERE workspace_id = $1 AND status IN ('OPEN', 'ACKED') AND last_seen_at >= $2
		ORDER BY last_seen_at DESC, id
		LIMIT $3`, workspaceID, since, limitOrAll(limit))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query candidates: %w", err))
	}
	out, err := collectGroups(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// StaleGroups implements escalation.StaleLister.
func (s *Store) StaleGroups(ctx context.Context, before time.Time, afterID string, limit int) ([]*alert.Group, error) {
	ctx, span := startSpan(ctx, "pgstore.StaleGroups", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+groupColumns+` FROM alert_groups
		WHERE status IN ('OPEN', 'ACKED') AND last_seen_at < $1 AND id > $2
		ORDER BY id
		LIMIT $3`, before, afterID, limitOrAll(limit))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query stale groups: %w", err))
	}
	out, err := collectGroups(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// RaiseEscalationLevel implements escalation.Store.
func (s *Store) RaiseEscalationLevel(ctx context.Context, groupID string, level int, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.RaiseEscalationLevel", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx, `UPDATE alert_groups SET escalation_level = $2, updated_at = $3
		WHERE id = $1 AND escalation_level < $2`, groupID, level, at)
	if err != nil {
		return fail(span, fmt.Errorf("raise escalation level: %w", err))
	}
	return nil
}

// GetEvent returns a stored event, or nil.
func (s *Store) GetEvent(ctx context.Context, id string) (*alert.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.GetEvent", "SELECT")
	defer span.End()

	var (
		ev            alert.Event
		source        string
		sourceEventID *string
		severity      int16
		tags, payload []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, workspace_id, group_id, source, source_event_id, project, environment,
		severity, fingerprint, title, message, tags, occurred_at, received_at, payload
		FROM alert_events WHERE id = $1`, id).Scan(
		&ev.ID, &ev.WorkspaceID, &ev.GroupID, &source, &sourceEventID, &ev.Project, &ev.Environment,
		&severity, &ev.Fingerprint, &ev.Title, &ev.Message, &tags, &ev.OccurredAt, &ev.ReceivedAt, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan event: %w", err))
	}
	ev.Source = alert.Source(source)
	ev.Severity = alert.Severity(severity)
	if sourceEventID != nil {
		ev.SourceEventID = *sourceEventID
	}
	if len(payload) > 0 {
		ev.Payload = json.RawMessage(payload)
	}
	if err := unmarshalTags(tags, &ev.Tags); err != nil {
		return nil, fail(span, err)
	}
	return &ev, nil
}

// PutCorrelation inserts c.
func (s *Store) PutCorrelation(ctx context.Context, c *alert.Correlation) error {
	ctx, span := startSpan(ctx, "pgstore.PutCorrelation", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO correlations (id, workspace_id, primary_group_id, related_group_ids,
		confidence_score, root_cause_group_id, root_cause_analysis, reasons, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.WorkspaceID, c.PrimaryGroupID, nonNil(c.RelatedGroupIDs), c.ConfidenceScore,
		c.RootCauseGroupID, c.RootCauseAnalysis, nonNil(c.Reasons), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("insert correlation: %w", err))
	}
	return nil
}

// GetCorrelation returns the newest correlation whose primary is groupID.
func (s *Store) GetCorrelation(ctx context.Context, groupID string) (*alert.Correlation, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCorrelation", "SELECT")
	defer span.End()

	var c alert.Correlation
	err := s.pool.QueryRow(ctx, `SELECT id, workspace_id, primary_group_id, related_group_ids, confidence_score,
		root_cause_group_id, root_cause_analysis, reasons, created_at, updated_at
		FROM correlations WHERE primary_group_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, groupID).Scan(
		&c.ID, &c.WorkspaceID, &c.PrimaryGroupID, &c.RelatedGroupIDs, &c.ConfidenceScore,
		&c.RootCauseGroupID, &c.RootCauseAnalysis, &c.Reasons, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan correlation: %w", err))
	}
	return &c, nil
}

// RecordAttempt implements dispatch.AttemptLog.
func (s *Store) RecordAttempt(ctx context.Context, a dispatch.Attempt) error {
	ctx, span := startSpan(ctx, "pgstore.RecordAttempt", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO notification_log (id, workspace_id, group_id, rule_id, channel_id,
		kind, level, success, error, message_id, duration_ms, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.WorkspaceID, a.GroupID, a.RuleID, a.ChannelID, string(a.Kind), a.Level, a.Success,
		a.Error, a.MessageID, float64(a.Duration)/float64(time.Millisecond), a.At)
	if err != nil {
		return fail(span, fmt.Errorf("insert attempt: %w", err))
	}
	return nil
}

// ListAttempts returns the notification log of a group, oldest first.
func (s *Store) ListAttempts(ctx context.Context, groupID string) ([]dispatch.Attempt, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAttempts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, workspace_id, group_id, rule_id, channel_id, kind, level,
		success, error, message_id, duration_ms, at
		FROM notification_log WHERE group_id = $1 ORDER BY at, id`, groupID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query attempts: %w", err))
	}
	defer rows.Close()

	var out []dispatch.Attempt
	for rows.Next() {
		var (
			a    dispatch.Attempt
			kind string
			ms   float64
		)
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.GroupID, &a.RuleID, &a.ChannelID, &kind, &a.Level,
			&a.Success, &a.Error, &a.MessageID, &ms, &a.At); err != nil {
			return nil, fail(span, fmt.Errorf("scan attempt: %w", err))
		}
		a.Kind = dispatch.Kind(kind)
		a.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate attempts: %w", err))
	}
	return out, nil
}

func writeGroup(ctx context.Context, q querier, g *alert.Group) error {
	tags, err := marshalTags(g.Tags)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO alert_groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			message = EXCLUDED.message,
			source = EXCLUDED.source,
			project = EXCLUDED.project,
			environment = EXCLUDED.environment,
			tags = EXCLUDED.tags,
			status = EXCLUDED.status,
			severity = EXCLUDED.severity,
			first_seen_at = EXCLUDED.first_seen_at,
			last_seen_at = EXCLUDED.last_seen_at,
			count = EXCLUDED.count,
			assigned_roles = EXCLUDED.assigned_roles,
			linked_release = EXCLUDED.linked_release,
			escalation_level = EXCLUDED.escalation_level,
			routed_rule_id = EXCLUDED.routed_rule_id,
			thread_ref = EXCLUDED.thread_ref,
			snooze_until = EXCLUDED.snooze_until,
			snoozed_by = EXCLUDED.snoozed_by,
			acknowledged_at = EXCLUDED.acknowledged_at,
			acknowledged_by = EXCLUDED.acknowledged_by,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			resolution_minutes = EXCLUDED.resolution_minutes,
			updated_at = EXCLUDED.updated_at`,
		g.ID, g.WorkspaceID, g.Fingerprint, g.Title, g.Message, string(g.Source), g.Project, g.Environment, tags,
		string(g.Status), int16(g.Severity), g.FirstSeenAt, g.LastSeenAt, g.Count, nonNil(g.AssignedRoles), g.LinkedRelease,
		g.EscalationLevel, g.RoutedRuleID, g.ThreadRef, g.SnoozeUntil, g.SnoozedBy, g.AcknowledgedAt,
		g.AcknowledgedBy, g.ResolvedAt, g.ResolvedBy, g.ResolutionMinutes, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, q querier, ev *alert.Event, groupID string) error {
	tags, err := marshalTags(ev.Tags)
	if err != nil {
		return err
	}
	var sourceEventID *string
	if ev.SourceEventID != "" {
		sourceEventID = &ev.SourceEventID
	}
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	_, err = q.Exec(ctx, `INSERT INTO alert_events (id, workspace_id, group_id, source, source_event_id, project,
		environment, severity, fingerprint, title, message, tags, occurred_at, received_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.ID, ev.WorkspaceID, groupID, string(ev.Source), sourceEventID, ev.Project,
		ev.Environment, int16(ev.Severity), ev.Fingerprint, ev.Title, ev.Message, tags, ev.OccurredAt, ev.ReceivedAt, payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// scanGroup reads one group. It returns nil, nil on no rows.
func scanGroup(row pgx.Row) (*alert.Group, error) {
	var (
		g              alert.Group
		source, status string
		severity       int16
		tags           []byte
	)
	err := row.Scan(&g.ID, &g.WorkspaceID, &g.Fingerprint, &g.Title, &g.Message, &source, &g.Project, &g.Environment, &tags,
		&status, &severity, &g.FirstSeenAt, &g.LastSeenAt, &g.Count, &g.AssignedRoles, &g.LinkedRelease,
		&g.EscalationLevel, &g.RoutedRuleID, &g.ThreadRef, &g.SnoozeUntil, &g.SnoozedBy, &g.AcknowledgedAt,
		&g.AcknowledgedBy, &g.ResolvedAt, &g.ResolvedBy, &g.ResolutionMinutes, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.Source = alert.Source(source)
	g.Status = alert.Status(status)
	g.Severity = alert.Severity(severity)
	if len(g.AssignedRoles) == 0 {
		g.AssignedRoles = nil
	}
	if err := unmarshalTags(tags, &g.Tags); err != nil {
		return nil, err
	}
	return &g, nil
}

func collectGroups(rows pgx.Rows) ([]*alert.Group, error) {
	defer rows.Close()
	var out []*alert.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return out, nil
}

// prefixed qualifies every group column with p.
func prefixed(p string) string {
	return p + `id, ` + p + `workspace_id, ` + p + `fingerprint, ` + p + `title, ` + p + `message, ` +
		p + `source, ` + p + `project, ` + p + `environment, ` + p + `tags, ` + p + `status, ` +
		p + `severity, ` + p + `first_seen_at, ` + p + `last_seen_at, ` + p + `count, ` +
		p + `assigned_roles, ` + p + `linked_release, ` + p + `escalation_level, ` +
		p + `routed_rule_id, ` + p + `thread_ref, ` + p + `snooze_until, ` + p + `snoozed_by, ` +
		p + `acknowledged_at, ` + p + `acknowledged_by, ` + p + `resolved_at, ` + p + `resolved_by, ` +
		p + `resolution_minutes, ` + p + `created_at, ` + p + `updated_at`
}

func marshalTags(tags map[string]string) ([]byte, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return b, nil
}

func unmarshalTags(b []byte, dst *map[string]string) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("unmarshal tags: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// limitOrAll maps a non-positive limit to NULL, which Postgres treats as
// LIMIT ALL.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
