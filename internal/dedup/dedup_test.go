package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// mockStore implements Store with one mutex as the exclusive scope.
type mockStore struct {
	mu       sync.Mutex
	groups   map[string]*alert.Group // ws|fingerprint -> group
	events   map[string]string       // ws|source|sourceEventId -> group key
	applyErr error
	applies  int
}

func newMockStore() *mockStore {
	return &mockStore{groups: map[string]*alert.Group{}, events: map[string]string{}}
}

func (m *mockStore) Apply(_ context.Context, ev *alert.Event, merge MergeFunc) (Applied, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies++
	if m.applyErr != nil {
		return Applied{}, m.applyErr
	}
	key := ev.WorkspaceID + "|" + ev.Fingerprint
	if ev.SourceEventID != "" {
		ek := ev.WorkspaceID + "|" + string(ev.Source) + "|" + ev.SourceEventID
		if gk, ok := m.events[ek]; ok {
			return Applied{Group: m.groups[gk].Clone(), Outcome: OutcomeDuplicate}, nil
		}
		m.events[ek] = key
	}
	prev := m.groups[key]
	next, outcome := merge(prev.Clone())
	m.groups[key] = next.Clone()
	return Applied{Group: next, Previous: prev.Clone(), Outcome: outcome}, nil
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(fp string, sev alert.Severity, at time.Time) *alert.Event {
	return &alert.Event{
		WorkspaceID: "ws-1",
		Source:      alert.SourceSentry,
		Fingerprint: fp,
		Title:       "boom",
		Severity:    sev,
		OccurredAt:  at,
	}
}

func TestIngest_TwoEventsOneGroup(t *testing.T) {
	t.Parallel()

	ix := New(newMockStore(), Policy{})
	ctx := context.Background()

	r1, err := ix.Ingest(ctx, event("err-42", alert.SeverityHigh, base))
	if err != nil {
		t.Fatalf("Ingest 1: %v", err)
	}
	if !r1.IsNew || r1.Outcome != OutcomeCreated {
		t.Errorf("first ingest = (%v, %s), want (true, created)", r1.IsNew, r1.Outcome)
	}

	r2, err := ix.Ingest(ctx, event("err-42", alert.SeverityHigh, base.Add(time.Second)))
	if err != nil {
		t.Fatalf("Ingest 2: %v", err)
	}
	if r2.IsNew || r2.Outcome != OutcomeMerged {
		t.Errorf("second ingest = (%v, %s), want (false, merged)", r2.IsNew, r2.Outcome)
	}
	if r2.Group.ID != r1.Group.ID {
		t.Errorf("group id = %q, want %q", r2.Group.ID, r1.Group.ID)
	}
	if r2.Group.Count != 2 {
		t.Errorf("Count = %d, want 2", r2.Group.Count)
	}
	if r2.Group.Severity != alert.SeverityHigh {
		t.Errorf("Severity = %v, want high", r2.Group.Severity)
	}
	if !r2.Group.LastSeenAt.Equal(base.Add(time.Second)) {
		t.Errorf("LastSeenAt = %v, want %v", r2.Group.LastSeenAt, base.Add(time.Second))
	}
}

func TestIngest_RejectsEmptyFingerprint(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	ix := New(store, Policy{})
	_, err := ix.Ingest(context.Background(), event("  ", alert.SeverityLow, base))

	var ve *alert.ValidationError
	if !errors.As(err, &ve) || ve.Field != "fingerprint" {
		t.Fatalf("Ingest() = %v, want fingerprint validation error", err)
	}
	if store.applies != 0 {
		t.Errorf("store applies = %d, want 0", store.applies)
	}
}

func TestIngest_DuplicateSourceEventIsNoop(t *testing.T) {
	t.Parallel()

	ix := New(newMockStore(), Policy{})
	ctx := context.Background()

	ev := event("fp", alert.SeverityMedium, base)
	ev.SourceEventID = "sentry-1"
	first, err := ix.Ingest(ctx, ev)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	retry := event("fp", alert.SeverityCritical, base.Add(time.Minute))
	retry.SourceEventID = "sentry-1"
	second, err := ix.Ingest(ctx, retry)
	if err != nil {
		t.Fatalf("Ingest retry: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("Outcome = %s, want duplicate", second.Outcome)
	}
	if second.Group.Count != first.Group.Count || second.Group.Severity != first.Group.Severity {
		t.Errorf("duplicate changed group: %+v vs %+v", second.Group, first.Group)
	}
}

func TestIngest_SeverityNeverLowered(t *testing.T) {
	t.Parallel()

	ix := New(newMockStore(), Policy{})
	ctx := context.Background()
	_, _ = ix.Ingest(ctx, event("fp", alert.SeverityCritical, base))
	r, err := ix.Ingest(ctx, event("fp", alert.SeverityLow, base.Add(time.Second)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if r.Group.Severity != alert.SeverityCritical {
		t.Errorf("Severity = %v, want critical", r.Group.Severity)
	}
}

func TestIngest_ReopensResolvedGroup(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	ix := New(store, Policy{})
	ctx := context.Background()

	r1, _ := ix.Ingest(ctx, event("fp", alert.SeverityCritical, base))

	store.mu.Lock()
	g := store.groups["ws-1|fp"]
	resolved := base.Add(time.Hour)
	g.Status = alert.StatusResolved
	g.ResolvedAt = &resolved
	g.EscalationLevel = 2
	g.ThreadRef = "123.456"
	store.mu.Unlock()

	r2, err := ix.Ingest(ctx, event("fp", alert.SeverityLow, base.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if r2.Outcome != OutcomeReopened || r2.IsNew {
		t.Errorf("ingest = (%v, %s), want (false, reopened)", r2.IsNew, r2.Outcome)
	}
	if r2.Group.ID != r1.Group.ID {
		t.Errorf("reopen created a new group id %q", r2.Group.ID)
	}
	if r2.Group.Status != alert.StatusOpen || r2.Group.EscalationLevel != 0 {
		t.Errorf("reopened = (%s, level %d), want (OPEN, 0)", r2.Group.Status, r2.Group.EscalationLevel)
	}
	if r2.Group.ResolvedAt != nil || r2.Group.ThreadRef != "" {
		t.Error("reopen kept resolution state")
	}
	if r2.Group.Severity != alert.SeverityLow {
		t.Errorf("Severity = %v, want low (fresh lifetime)", r2.Group.Severity)
	}
}

func TestIngest_AckedStaysAckedByDefault(t *testing.T) {
	t.Parallel()

	for _, reopen := range []bool{false, true} {
		t.Run(fmt.Sprintf("reopenOnCritical=%v", reopen), func(t *testing.T) {
			t.Parallel()
			store := newMockStore()
			ix := New(store, Policy{ReopenOnCritical: reopen})
			ctx := context.Background()
			_, _ = ix.Ingest(ctx, event("fp", alert.SeverityHigh, base))
			store.mu.Lock()
			store.groups["ws-1|fp"].Status = alert.StatusAcked
			store.mu.Unlock()

			r, err := ix.Ingest(ctx, event("fp", alert.SeverityCritical, base.Add(time.Second)))
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			want := alert.StatusAcked
			if reopen {
				want = alert.StatusOpen
			}
			if r.Group.Status != want {
				t.Errorf("Status = %s, want %s", r.Group.Status, want)
			}
			if r.ReopenedFromAck != reopen {
				t.Errorf("ReopenedFromAck = %v, want %v", r.ReopenedFromAck, reopen)
			}
		})
	}
}

func TestIngest_ConcurrentSameFingerprint(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	ix := New(store, Policy{})
	const n = 64

	var wg sync.WaitGroup
	created := make(chan string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := ix.Ingest(context.Background(), event("hot", alert.SeverityMedium, base.Add(time.Duration(i)*time.Millisecond)))
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			if r.IsNew {
				created <- r.Group.ID
			}
		}()
	}
	wg.Wait()
	close(created)

	if got := len(created); got != 1 {
		t.Errorf("groups created = %d, want 1", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.groups) != 1 {
		t.Fatalf("stored groups = %d, want 1", len(store.groups))
	}
	if g := store.groups["ws-1|hot"]; g.Count != n {
		t.Errorf("Count = %d, want %d", g.Count, n)
	}
}

func TestIngest_StoreError(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.applyErr = errors.New("tx aborted")
	_, err := New(store, Policy{}).Ingest(context.Background(), event("fp", alert.SeverityLow, base))
	if !errors.Is(err, store.applyErr) {
		t.Errorf("Ingest() = %v, want wrapped store error", err)
	}
}

func TestMerge_OutOfOrderEvent(t *testing.T) {
	t.Parallel()

	g, _ := Merge(nil, event("fp", alert.SeverityLow, base), Policy{}, base)
	late := event("fp", alert.SeverityLow, base.Add(-time.Hour))
	late.Title = "older"
	m, _ := Merge(g, late, Policy{}, base)

	if !m.FirstSeenAt.Equal(base.Add(-time.Hour)) {
		t.Errorf("FirstSeenAt = %v, want %v", m.FirstSeenAt, base.Add(-time.Hour))
	}
	if !m.LastSeenAt.Equal(base) {
		t.Errorf("LastSeenAt moved backwards to %v", m.LastSeenAt)
	}
	if m.Title != "boom" {
		t.Errorf("Title = %q, older event must not overwrite", m.Title)
	}
	if g.Count != 1 {
		t.Error("Merge mutated its input")
	}
}
