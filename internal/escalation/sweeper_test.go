package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
)

type mockCloser struct {
	mu     sync.Mutex
	store  *mockStore
	closed []string
	failOn string
}

func (c *mockCloser) AutoClose(_ context.Context, groupID string, cutoff time.Time) (bool, error) {
	if groupID == c.failOn {
		return false, errors.New("db down")
	}
	c.store.mu.Lock()
	g := c.store.groups[groupID]
	ok := g != nil && g.Status.Active() && g.LastSeenAt.Before(cutoff)
	if ok {
		g.Status = alert.StatusResolved
	}
	c.store.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.closed = append(c.closed, groupID)
	}
	return ok, nil
}

type perWorkspacePolicy map[string]alert.AutoCloseConfig

func (p perWorkspacePolicy) MaxLevels(string) int { return 3 }

func (p perWorkspacePolicy) SnoozedUntil(string, time.Time) (time.Time, bool) {
	return time.Time{}, false
}

func (p perWorkspacePolicy) AutoCloseFor(ws string) alert.AutoCloseConfig { return p[ws] }

func TestSweep(t *testing.T) {
	t.Parallel()

	now := t0.Add(30 * 24 * time.Hour)
	days := func(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }

	store := newMockStore()
	for _, g := range []*alert.Group{
		{ID: "a", WorkspaceID: "ws-1", Status: alert.StatusOpen, LastSeenAt: days(8)},
		{ID: "b", WorkspaceID: "ws-1", Status: alert.StatusAcked, LastSeenAt: days(10)},
		{ID: "c", WorkspaceID: "ws-1", Status: alert.StatusOpen, LastSeenAt: days(3)},
		{ID: "d", WorkspaceID: "ws-1", Status: alert.StatusResolved, LastSeenAt: days(20)},
		{ID: "e", WorkspaceID: "ws-2", Status: alert.StatusOpen, LastSeenAt: days(20)},
		{ID: "f", WorkspaceID: "ws-3", Status: alert.StatusOpen, LastSeenAt: days(2)},
	} {
		store.groups[g.ID] = g
	}
	closer := &mockCloser{store: store}
	policy := perWorkspacePolicy{
		"ws-1": {Enabled: true, InactivityDays: 7},
		"ws-2": {Enabled: false, InactivityDays: 1},
		"ws-3": {Enabled: true, InactivityDays: 1},
	}

	var hooked []string
	s := NewSweeper(store, closer, policy, time.Minute, log.Nop(), Hooks{
		OnAutoClose: func(ws string) { hooked = append(hooked, ws) },
	})
	s.now = func() time.Time { return now }
	s.batch = 2

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 3 {
		t.Errorf("closed = %d, want 3", n)
	}
	want := map[string]bool{"a": true, "b": true, "f": true}
	for _, id := range closer.closed {
		if !want[id] {
			t.Errorf("closed unexpected group %s", id)
		}
	}
	if len(hooked) != 3 {
		t.Errorf("hook calls = %d, want 3", len(hooked))
	}
	if store.groups["c"].Status != alert.StatusOpen || store.groups["e"].Status != alert.StatusOpen {
		t.Error("active or disabled-workspace groups were closed")
	}
}

func TestSweep_CloserErrorContinues(t *testing.T) {
	t.Parallel()

	now := t0.Add(30 * 24 * time.Hour)
	store := newMockStore()
	store.groups["a"] = &alert.Group{ID: "a", WorkspaceID: "ws-1", Status: alert.StatusOpen, LastSeenAt: t0}
	store.groups["b"] = &alert.Group{ID: "b", WorkspaceID: "ws-1", Status: alert.StatusOpen, LastSeenAt: t0}
	closer := &mockCloser{store: store, failOn: "a"}

	s := NewSweeper(store, closer, StaticPolicy{AutoClose: alert.AutoCloseConfig{Enabled: true, InactivityDays: 7}}, time.Minute, nil, Hooks{})
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Errorf("Sweep = (%d, %v), want 1 closed", n, err)
	}
}
