package memstore

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/linnemanlabs/warden/internal/escalation"
)

func cloneJob(j *escalation.Job) *escalation.Job {
	cp := *j
	cp.Ladder = slices.Clone(j.Ladder)
	if j.FiredAt != nil {
		t := *j.FiredAt
		cp.FiredAt = &t
	}
	return &cp
}

// ScheduleJob implements escalation.Store.
func (s *Store) ScheduleJob(_ context.Context, j *escalation.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.jobs {
		if o.GroupID == j.GroupID && o.Level == j.Level && o.State == escalation.StateScheduled && o.ID != j.ID {
			o.State = escalation.StateSuperseded
			o.UpdatedAt = j.ScheduledAt
		}
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

// GetJob implements escalation.Store.
func (s *Store) GetJob(_ context.Context, id string) (*escalation.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

// TransitionJob implements escalation.Store.
func (s *Store) TransitionJob(_ context.Context, id string, from, to escalation.State, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != from {
		return false, nil
	}
	j.State = to
	j.UpdatedAt = at
	if to == escalation.StateFired {
		fired := at
		j.FiredAt = &fired
	}
	return true, nil
}

// RescheduleJob implements escalation.Store.
func (s *Store) RescheduleJob(_ context.Context, id string, fireAt, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != escalation.StateScheduled {
		return false, nil
	}
	j.FireAt = fireAt
	j.UpdatedAt = at
	return true, nil
}

// CancelGroupJobs implements escalation.Store.
func (s *Store) CancelGroupJobs(_ context.Context, groupID string, at time.Time) (int, error) {
	return s.cancelJobs(func(j *escalation.Job) bool { return j.GroupID == groupID }, at), nil
}

// CancelWorkspaceJobs implements escalation.Store.
func (s *Store) CancelWorkspaceJobs(_ context.Context, workspaceID string, at time.Time) (int, error) {
	return s.cancelJobs(func(j *escalation.Job) bool { return j.WorkspaceID == workspaceID }, at), nil
}

func (s *Store) cancelJobs(match func(*escalation.Job) bool, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.State == escalation.StateScheduled && match(j) {
			j.State = escalation.StateCancelled
			j.UpdatedAt = at
			n++
		}
	}
	return n
}

// DueJobs implements escalation.Store.
func (s *Store) DueJobs(_ context.Context, now time.Time, limit int) ([]*escalation.Job, error) {
	s.mu.RLock()
	var due []*escalation.Job
	for _, j := range s.jobs {
		if j.State == escalation.StateScheduled && !j.FireAt.After(now) {
			due = append(due, cloneJob(j))
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, k int) bool {
		if !due[i].FireAt.Equal(due[k].FireAt) {
			return due[i].FireAt.Before(due[k].FireAt)
		}
		return due[i].ID < due[k].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// GroupJobs returns every job of a group ordered by level then schedule
// time.
func (s *Store) GroupJobs(_ context.Context, groupID string) ([]*escalation.Job, error) {
	s.mu.RLock()
	var out []*escalation.Job
	for _, j := range s.jobs {
		if j.GroupID == groupID {
			out = append(out, cloneJob(j))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].Level != out[k].Level {
			return out[i].Level < out[k].Level
		}
		return out[i].ScheduledAt.Before(out[k].ScheduledAt)
	})
	return out, nil
}
