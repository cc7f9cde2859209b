package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linnemanlabs/warden/internal/escalation"
)

const jobColumns = `id, workspace_id, group_id, rule_id, level, escalate_after_minutes, channel_id,
	mention_here, ladder, state, scheduled_at, fire_at, fired_at, updated_at`

// ScheduleJob implements escalation.Store. Writers for one group are
// serialized by an advisory lock so the supersede and the insert cannot
// interleave with another ScheduleJob for the same level.
func (s *Store) ScheduleJob(ctx context.Context, j *escalation.Job) error {
	ctx, span := startSpan(ctx, "pgstore.ScheduleJob", "INSERT")
	defer span.End()

	ladder, err := json.Marshal(j.Ladder)
	if err != nil {
		return fail(span, fmt.Errorf("marshal ladder: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "jobs:"+j.GroupID); err != nil {
		return fail(span, fmt.Errorf("lock group jobs: %w", err))
	}
	if _, err := tx.Exec(ctx, `UPDATE escalation_jobs SET state = 'superseded', updated_at = $3
		WHERE group_id = $1 AND level = $2 AND state = 'scheduled' AND id <> $4`,
		j.GroupID, j.Level, j.ScheduledAt, j.ID); err != nil {
		return fail(span, fmt.Errorf("supersede jobs: %w", err))
	}
	if _, err := tx.Exec(ctx, `INSERT INTO escalation_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.WorkspaceID, j.GroupID, j.RuleID, j.Level, j.EscalateAfterMinutes, j.ChannelID,
		j.MentionHere, ladder, string(j.State), j.ScheduledAt, j.FireAt, j.FiredAt, j.UpdatedAt); err != nil {
		return fail(span, fmt.Errorf("insert job: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// GetJob implements escalation.Store.
func (s *Store) GetJob(ctx context.Context, id string) (*escalation.Job, error) {
	ctx, span := startSpan(ctx, "pgstore.GetJob", "SELECT")
	defer span.End()

	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM escalation_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, fail(span, err)
	}
	return j, nil
}

// TransitionJob implements escalation.Store as a single conditional update.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to escalation.State, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.TransitionJob", "UPDATE")
	defer span.End()
	span.SetAttributes(attributeState("from", from), attributeState("to", to))

	var firedAt *time.Time
	if to == escalation.StateFired {
		firedAt = &at
	}
	tag, err := s.pool.Exec(ctx, `UPDATE escalation_jobs
		SET state = $3, updated_at = $4, fired_at = COALESCE($5, fired_at)
		WHERE id = $1 AND state = $2`, id, string(from), string(to), at, firedAt)
	if err != nil {
		return false, fail(span, fmt.Errorf("transition job: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// RescheduleJob implements escalation.Store.
func (s *Store) RescheduleJob(ctx context.Context, id string, fireAt, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.RescheduleJob", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE escalation_jobs SET fire_at = $2, updated_at = $3
		WHERE id = $1 AND state = 'scheduled'`, id, fireAt, at)
	if err != nil {
		return false, fail(span, fmt.Errorf("reschedule job: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// CancelGroupJobs implements escalation.Store.
func (s *Store) CancelGroupJobs(ctx context.Context, groupID string, at time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.CancelGroupJobs", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE escalation_jobs SET state = 'cancelled', updated_at = $2
		WHERE group_id = $1 AND state = 'scheduled'`, groupID, at)
	if err != nil {
		return 0, fail(span, fmt.Errorf("cancel group jobs: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// CancelWorkspaceJobs implements escalation.Store.
func (s *Store) CancelWorkspaceJobs(ctx context.Context, workspaceID string, at time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.CancelWorkspaceJobs", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE escalation_jobs SET state = 'cancelled', updated_at = $2
		WHERE workspace_id = $1 AND state = 'scheduled'`, workspaceID, at)
	if err != nil {
		return 0, fail(span, fmt.Errorf("cancel workspace jobs: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// DueJobs implements escalation.Store. Rows are not claimed here; the
// fire path's compare-and-set decides which poller wins.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*escalation.Job, error) {
	ctx, span := startSpan(ctx, "pgstore.DueJobs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM escalation_jobs
		WHERE state = 'scheduled' AND fire_at <= $1
		ORDER BY fire_at, id
		LIMIT $2`, now, limitOrAll(limit))
	if err != nil {
		return nil, fail(span, fmt.Errorf("query due jobs: %w", err))
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attributeCount(len(out)))
	return out, nil
}

// GroupJobs returns every job of a group ordered by level then schedule
// time.
func (s *Store) GroupJobs(ctx context.Context, groupID string) ([]*escalation.Job, error) {
	ctx, span := startSpan(ctx, "pgstore.GroupJobs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM escalation_jobs
		WHERE group_id = $1 ORDER BY level, scheduled_at`, groupID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query group jobs: %w", err))
	}
	out, err := collectJobs(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*escalation.Job, error) {
	var (
		j      escalation.Job
		state  string
		ladder []byte
	)
	err := row.Scan(&j.ID, &j.WorkspaceID, &j.GroupID, &j.RuleID, &j.Level, &j.EscalateAfterMinutes, &j.ChannelID,
		&j.MentionHere, &ladder, &state, &j.ScheduledAt, &j.FireAt, &j.FiredAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.State = escalation.State(state)
	if err := json.Unmarshal(ladder, &j.Ladder); err != nil {
		return nil, fmt.Errorf("unmarshal ladder: %w", err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*escalation.Job, error) {
	defer rows.Close()
	var out []*escalation.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func attributeState(dir string, s escalation.State) attribute.KeyValue {
	return attribute.String("warden.escalation.state_"+dir, string(s))
}

func attributeCount(n int) attribute.KeyValue {
	return attribute.Int("db.rows", n)
}
