// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dedup"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/escalation"
	"github.com/linnemanlabs/warden/internal/routing"
)

// Store holds engine state in memory. Suitable for dev/testing.
//
// Writes to one (workspace, fingerprint) are serialized by a per-key lock;
// mu only guards the maps and is never held while a merge runs.
type Store struct {
	keys keyLocks

	mu            sync.RWMutex
	groups        map[string]*alert.Group            // group ID -> group
	byKey         map[string]string                  // workspace/fingerprint -> group ID
	events        map[string]*alert.Event            // event ID -> event
	bySourceEvent map[string]string                  // workspace/source/sourceEventId -> group ID
	correlations  map[string]*alert.Correlation      // primary group ID -> newest correlation
	jobs          map[string]*escalation.Job         // job ID -> job
	rules         map[string]map[string]routing.Rule // workspace -> rule ID -> rule
	attempts      map[string][]dispatch.Attempt      // group ID -> attempts
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		keys:          keyLocks{m: make(map[string]*keyLock)},
		groups:        make(map[string]*alert.Group),
		byKey:         make(map[string]string),
		events:        make(map[string]*alert.Event),
		bySourceEvent: make(map[string]string),
		correlations:  make(map[string]*alert.Correlation),
		jobs:          make(map[string]*escalation.Job),
		rules:         make(map[string]map[string]routing.Rule),
		attempts:      make(map[string][]dispatch.Attempt),
	}
}

func groupKey(workspaceID, fingerprint string) string {
	return workspaceID + "/" + fingerprint
}

func sourceKey(workspaceID string, source alert.Source, sourceEventID string) string {
	return workspaceID + "/" + string(source) + "/" + sourceEventID
}

// Apply implements dedup.Store.
func (s *Store) Apply(_ context.Context, ev *alert.Event, merge dedup.MergeFunc) (dedup.Applied, error) {
	if a, ok := s.duplicate(ev); ok {
		return a, nil
	}

	key := groupKey(ev.WorkspaceID, ev.Fingerprint)
	unlock := s.keys.lock(key)
	defer unlock()

	s.mu.RLock()
	existing := s.groups[s.byKey[key]].Clone()
	s.mu.RUnlock()

	next, outcome := merge(existing.Clone())

	s.mu.Lock()
	defer s.mu.Unlock()
	// a concurrent retry of the same event may have won while we merged
	if ev.SourceEventID != "" {
		if gid, ok := s.bySourceEvent[sourceKey(ev.WorkspaceID, ev.Source, ev.SourceEventID)]; ok {
			g := s.groups[gid].Clone()
			return dedup.Applied{Group: g, Previous: g.Clone(), Outcome: dedup.OutcomeDuplicate}, nil
		}
	}

	s.groups[next.ID] = next.Clone()
	s.byKey[key] = next.ID
	stored := *ev
	stored.GroupID = next.ID
	stored.Tags = cloneTags(ev.Tags)
	stored.Payload = slices.Clone(ev.Payload)
	s.events[ev.ID] = &stored
	if ev.SourceEventID != "" {
		s.bySourceEvent[sourceKey(ev.WorkspaceID, ev.Source, ev.SourceEventID)] = next.ID
	}
	return dedup.Applied{Group: next.Clone(), Previous: existing, Outcome: outcome}, nil
}

func (s *Store) duplicate(ev *alert.Event) (dedup.Applied, bool) {
	if ev.SourceEventID == "" {
		return dedup.Applied{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	gid, ok := s.bySourceEvent[sourceKey(ev.WorkspaceID, ev.Source, ev.SourceEventID)]
	if !ok {
		return dedup.Applied{}, false
	}
	g := s.groups[gid].Clone()
	return dedup.Applied{Group: g, Previous: g.Clone(), Outcome: dedup.OutcomeDuplicate}, true
}

// UpdateGroup implements incident.Store.
func (s *Store) UpdateGroup(_ context.Context, id string, fn func(g *alert.Group) bool) (*alert.Group, error) {
	s.mu.RLock()
	g, ok := s.groups[id]
	var key string
	if ok {
		key = groupKey(g.WorkspaceID, g.Fingerprint)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	unlock := s.keys.lock(key)
	defer unlock()

	s.mu.RLock()
	cur := s.groups[id].Clone()
	s.mu.RUnlock()
	if !fn(cur) {
		return cur, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[id] = cur.Clone()
	return cur, nil
}

// GetGroup returns a copy of the group, or nil.
func (s *Store) GetGroup(_ context.Context, id string) (*alert.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[id].Clone(), nil
}

// GetEvent returns a copy of a stored event, or nil.
func (s *Store) GetEvent(_ context.Context, id string) (*alert.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	cp := *ev
	cp.Tags = cloneTags(ev.Tags)
	return &cp, nil
}

// FindGroupBySourceEvent implements incident.Store.
func (s *Store) FindGroupBySourceEvent(_ context.Context, workspaceID string, source alert.Source, sourceEventID string) (*alert.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gid, ok := s.bySourceEvent[sourceKey(workspaceID, source, sourceEventID)]
	if !ok {
		return nil, nil
	}
	return s.groups[gid].Clone(), nil
}

// CorrelationCandidates implements incident.Store.
func (s *Store) CorrelationCandidates(_ context.Context, workspaceID string, since time.Time, limit int) ([]*alert.Group, error) {
	s.mu.RLock()
	var out []*alert.Group
	for _, g := range s.groups {
		if g.WorkspaceID == workspaceID && g.Status.Active() && !g.LastSeenAt.Before(since) {
			out = append(out, g.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StaleGroups implements escalation.StaleLister.
func (s *Store) StaleGroups(_ context.Context, before time.Time, afterID string, limit int) ([]*alert.Group, error) {
	s.mu.RLock()
	var out []*alert.Group
	for _, g := range s.groups {
		if g.Status.Active() && g.LastSeenAt.Before(before) && g.ID > afterID {
			out = append(out, g.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RaiseEscalationLevel implements escalation.Store.
func (s *Store) RaiseEscalationLevel(ctx context.Context, groupID string, level int, at time.Time) error {
	_, err := s.UpdateGroup(ctx, groupID, func(g *alert.Group) bool {
		if level <= g.EscalationLevel {
			return false
		}
		g.EscalationLevel = level
		g.UpdatedAt = at
		return true
	})
	return err
}

// PutCorrelation stores c as the newest correlation of its primary group.
func (s *Store) PutCorrelation(_ context.Context, c *alert.Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.RelatedGroupIDs = slices.Clone(c.RelatedGroupIDs)
	cp.Reasons = slices.Clone(c.Reasons)
	s.correlations[c.PrimaryGroupID] = &cp
	return nil
}

// GetCorrelation returns the newest correlation for a primary group, or nil.
func (s *Store) GetCorrelation(_ context.Context, groupID string) (*alert.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.correlations[groupID]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.RelatedGroupIDs = slices.Clone(c.RelatedGroupIDs)
	cp.Reasons = slices.Clone(c.Reasons)
	return &cp, nil
}

// RecordAttempt implements dispatch.AttemptLog.
func (s *Store) RecordAttempt(_ context.Context, a dispatch.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.GroupID] = append(s.attempts[a.GroupID], a)
	return nil
}

// ListAttempts returns the notification log of a group, oldest first.
func (s *Store) ListAttempts(_ context.Context, groupID string) ([]dispatch.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.attempts[groupID]), nil
}

func cloneTags(t map[string]string) map[string]string {
	if t == nil {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// keyLocks hands out one mutex per key and drops it when unused.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
