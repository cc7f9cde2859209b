package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/correlation"
	"github.com/linnemanlabs/warden/internal/dedup"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/escalation"
	"github.com/linnemanlabs/warden/internal/incident/memstore"
	"github.com/linnemanlabs/warden/internal/routing"
)

const highToC1 = `{
	"name": "high to C1",
	"priority": 1,
	"conditions": {"all": [{"field": "severity", "operator": "equals", "value": "high"}]},
	"actions": {"channelId": "C1", "escalateAfterMinutes": 10}
}`

type mockDispatcher struct {
	mu      sync.Mutex
	actions []dispatch.Action
	err     error
}

func (d *mockDispatcher) Dispatch(_ context.Context, a dispatch.Action) (dispatch.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
	if d.err != nil {
		return dispatch.Receipt{}, d.err
	}
	return dispatch.Receipt{MessageID: fmt.Sprintf("ts-%d", len(d.actions))}, nil
}

func (d *mockDispatcher) sent() []dispatch.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatch.Action, len(d.actions))
	copy(out, d.actions)
	return out
}

// failingRules fails rule loads while fail is set.
type failingRules struct {
	*memstore.Store
	fail bool
}

func (f *failingRules) ListRules(ctx context.Context, ws string) ([]routing.Rule, error) {
	if f.fail {
		return nil, errors.New("db down")
	}
	return f.Store.ListRules(ctx, ws)
}

// failingJobs fails the next fails ScheduleJob calls.
type failingJobs struct {
	*memstore.Store
	mu    sync.Mutex
	fails int
	calls int
}

func (f *failingJobs) ScheduleJob(ctx context.Context, j *escalation.Job) error {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("db down")
	}
	return f.Store.ScheduleJob(ctx, j)
}

type harness struct {
	svc    *Service
	store  Store
	mem    *memstore.Store
	disp   *mockDispatcher
	routes map[string]int
	mu     sync.Mutex
}

func newHarness(t *testing.T, store Store) *harness {
	t.Helper()
	mem := memstore.New()
	if store == nil {
		store = mem
	}
	switch fs := store.(type) {
	case *failingRules:
		mem = fs.Store
	case *failingJobs:
		mem = fs.Store
	}
	h := &harness{store: store, mem: mem, disp: &mockDispatcher{}, routes: make(map[string]int)}
	sched := escalation.NewScheduler(store, h.disp, nil, log.Nop(), escalation.Hooks{})
	h.svc = NewService(Config{Dedup: dedup.Policy{ReopenOnCritical: true}}, Deps{
		Store:      store,
		Correlator: correlation.NewEngine(),
		Dispatcher: h.disp,
		Escalation: sched,
		Logger:     log.Nop(),
		Hooks: Hooks{OnRoute: func(result string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.routes[result]++
		}},
	})
	return h
}

func (h *harness) putRule(t *testing.T, doc string) *routing.Rule {
	t.Helper()
	r, _, err := h.svc.PutRule(context.Background(), "ws-1", "", []byte(doc))
	if err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	return r
}

func (h *harness) ingest(t *testing.T, ev *alert.Event) *IngestResult {
	t.Helper()
	res, err := h.svc.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := h.svc.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func (h *harness) jobs(t *testing.T, groupID string) []*escalation.Job {
	t.Helper()
	jobs, err := h.mem.GroupJobs(context.Background(), groupID)
	if err != nil {
		t.Fatalf("GroupJobs: %v", err)
	}
	return jobs
}

func sentryEvent(fp, sourceEventID string, sev alert.Severity, at time.Time) *alert.Event {
	return &alert.Event{
		WorkspaceID:   "ws-1",
		Source:        alert.SourceSentry,
		SourceEventID: sourceEventID,
		Fingerprint:   fp,
		Title:         "TypeError in checkout",
		Project:       "api",
		Environment:   "prod",
		Severity:      sev,
		OccurredAt:    at,
	}
}

func TestIngest_ExampleScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rule := h.putRule(t, highToC1)
	now := time.Now()

	first := h.ingest(t, sentryEvent("err-42", "evt-1", alert.SeverityHigh, now))
	second := h.ingest(t, sentryEvent("err-42", "evt-2", alert.SeverityHigh, now.Add(time.Second)))

	if !first.IsNew || first.Outcome != dedup.OutcomeCreated {
		t.Errorf("first = %s isNew %v, want created", first.Outcome, first.IsNew)
	}
	if second.IsNew || second.Outcome != dedup.OutcomeMerged || second.Group.ID != first.Group.ID {
		t.Errorf("second = %s group %s, want merged into %s", second.Outcome, second.Group.ID, first.Group.ID)
	}
	if second.Group.Count != 2 || second.Group.Severity != alert.SeverityHigh {
		t.Errorf("group count %d severity %s, want 2 HIGH", second.Group.Count, second.Group.Severity)
	}
	if !first.Routed || first.RuleID != rule.ID {
		t.Errorf("routed = %v rule %q, want %q", first.Routed, first.RuleID, rule.ID)
	}
	if second.Routed {
		t.Error("merge was routed again")
	}

	sent := h.disp.sent()
	if len(sent) != 1 || sent[0].ChannelID != "C1" || sent[0].Kind != dispatch.KindInitial {
		t.Fatalf("dispatches = %+v, want one initial to C1", sent)
	}

	g, err := h.svc.Get(context.Background(), "ws-1", first.Group.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.RoutedRuleID != rule.ID || g.ThreadRef != "ts-1" {
		t.Errorf("group routed %q thread %q, want %q ts-1", g.RoutedRuleID, g.ThreadRef, rule.ID)
	}

	jobs := h.jobs(t, g.ID)
	if len(jobs) != 1 || jobs[0].State != escalation.StateScheduled || jobs[0].Level != 0 || first.EscalationJobID != jobs[0].ID {
		t.Errorf("jobs = %+v, want one scheduled level 0", jobs)
	}
}

func TestIngest_Duplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.putRule(t, highToC1)
	now := time.Now()

	h.ingest(t, sentryEvent("fp", "evt-1", alert.SeverityHigh, now))
	dup := h.ingest(t, sentryEvent("fp", "evt-1", alert.SeverityHigh, now))

	if dup.Outcome != dedup.OutcomeDuplicate || dup.Group.Count != 1 {
		t.Errorf("retry = %s count %d, want duplicate count 1", dup.Outcome, dup.Group.Count)
	}
	if n := len(h.disp.sent()); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
}

func TestIngest_Unrouted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.ingest(t, sentryEvent("fp", "", alert.SeverityLow, time.Now()))

	if res.Routed {
		t.Error("routed with no rules")
	}
	if res.Group.Status != alert.StatusOpen {
		t.Errorf("status = %s, want OPEN", res.Group.Status)
	}
	if h.routes["unrouted"] != 1 {
		t.Errorf("unrouted hook = %d, want 1", h.routes["unrouted"])
	}
	if len(h.disp.sent()) != 0 {
		t.Error("dispatched an unrouted group")
	}
}

func TestIngest_RulesUnavailable(t *testing.T) {
	t.Parallel()

	store := &failingRules{Store: memstore.New(), fail: true}
	h := newHarness(t, store)

	res, err := h.svc.Ingest(context.Background(), sentryEvent("fp", "evt-1", alert.SeverityHigh, time.Now()))
	if err != nil {
		t.Fatalf("Ingest = %v, want group kept without error", err)
	}
	if res.Routed || res.Group.Status != alert.StatusOpen {
		t.Errorf("result routed %v status %s, want unrouted OPEN", res.Routed, res.Group.Status)
	}
	if h.routes["error"] != 1 {
		t.Errorf("error hook = %d, want 1", h.routes["error"])
	}
	g, _ := h.svc.Get(context.Background(), "ws-1", res.Group.ID)
	if g == nil {
		t.Error("group not persisted")
	}
}

func TestIngest_InvalidEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ev := sentryEvent("  ", "", alert.SeverityHigh, time.Now())
	_, err := h.svc.Ingest(context.Background(), ev)
	if !errors.Is(err, alert.ErrInvalidEvent) {
		t.Errorf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestIngest_DispatchFailureStillArmsEscalation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.disp.err = errors.New("slack unavailable")
	h.putRule(t, highToC1)

	res := h.ingest(t, sentryEvent("fp", "", alert.SeverityHigh, time.Now()))
	if res.EscalationJobID == "" {
		t.Error("escalation not armed after failed dispatch")
	}
	g, _ := h.svc.Get(context.Background(), "ws-1", res.Group.ID)
	if g.ThreadRef != "" {
		t.Errorf("ThreadRef = %q, want empty after failed dispatch", g.ThreadRef)
	}
}

func TestIngest_ArmRetriesScheduleFailure(t *testing.T) {
	t.Parallel()

	store := &failingJobs{Store: memstore.New(), fails: 1}
	h := newHarness(t, store)
	rule := h.putRule(t, highToC1)

	res := h.ingest(t, sentryEvent("fp", "", alert.SeverityHigh, time.Now()))
	if !res.Routed || res.RuleID != rule.ID || res.EscalationJobID == "" {
		t.Fatalf("routed %v rule %q job %q, want routed and armed", res.Routed, res.RuleID, res.EscalationJobID)
	}
	jobs := h.jobs(t, res.Group.ID)
	if len(jobs) != 1 || jobs[0].State != escalation.StateScheduled || jobs[0].Level != 0 {
		t.Errorf("jobs = %+v, want one scheduled level 0", jobs)
	}
	if n := len(h.disp.sent()); n != 1 {
		t.Errorf("dispatches = %d, want 1", n)
	}
}

func TestIngest_ArmFailureLeavesGroupUnrouted(t *testing.T) {
	t.Parallel()

	store := &failingJobs{Store: memstore.New(), fails: 100}
	h := newHarness(t, store)
	h.putRule(t, highToC1)

	res := h.ingest(t, sentryEvent("fp", "", alert.SeverityHigh, time.Now()))
	if res.Routed || res.RuleID != "" || res.EscalationJobID != "" {
		t.Errorf("routed %v rule %q job %q, want unrouted", res.Routed, res.RuleID, res.EscalationJobID)
	}
	g, err := h.svc.Get(context.Background(), "ws-1", res.Group.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.RoutedRuleID != "" || g.Status != alert.StatusOpen {
		t.Errorf("group routed %q status %s, want unrouted OPEN", g.RoutedRuleID, g.Status)
	}
	if n := len(h.disp.sent()); n != 0 {
		t.Errorf("dispatches = %d, want none without an armed ladder", n)
	}
	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls != armAttempts {
		t.Errorf("ScheduleJob calls = %d, want %d", calls, armAttempts)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.routes["error"] != 1 || h.routes["routed"] != 0 {
		t.Errorf("route results = %v, want one error", h.routes)
	}
}

func TestIngest_ReopenResetsLadder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.putRule(t, highToC1)
	ctx := context.Background()
	now := time.Now()

	first := h.ingest(t, sentryEvent("fp", "e1", alert.SeverityHigh, now))
	if err := h.mem.RaiseEscalationLevel(ctx, first.Group.ID, 2, now); err != nil {
		t.Fatalf("RaiseEscalationLevel: %v", err)
	}
	if _, err := h.svc.Resolve(ctx, "ws-1", first.Group.ID, "alice"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	again := h.ingest(t, sentryEvent("fp", "e2", alert.SeverityHigh, now.Add(time.Minute)))
	if again.Outcome != dedup.OutcomeReopened || again.Group.ID != first.Group.ID {
		t.Fatalf("reingest = %s group %s, want reopened %s", again.Outcome, again.Group.ID, first.Group.ID)
	}
	if again.Group.Status != alert.StatusOpen || again.Group.EscalationLevel != 0 || again.Group.Count != 2 {
		t.Errorf("reopened group = %s level %d count %d, want OPEN level 0 count 2",
			again.Group.Status, again.Group.EscalationLevel, again.Group.Count)
	}
	if !again.Routed {
		t.Error("reopened group was not routed")
	}

	var scheduled, cancelled int
	for _, j := range h.jobs(t, first.Group.ID) {
		switch j.State {
		case escalation.StateScheduled:
			scheduled++
		case escalation.StateCancelled:
			cancelled++
		}
	}
	if scheduled != 1 || cancelled != 1 {
		t.Errorf("jobs scheduled %d cancelled %d, want 1 and 1", scheduled, cancelled)
	}
	if n := len(h.disp.sent()); n != 2 {
		t.Errorf("dispatches = %d, want 2", n)
	}
}

func TestIngest_CriticalReopensAckedGroup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.putRule(t, `{"name":"all","priority":1,"conditions":{},"actions":{"channelId":"C1","escalateAfterMinutes":5}}`)
	ctx := context.Background()
	now := time.Now()

	first := h.ingest(t, sentryEvent("fp", "e1", alert.SeverityHigh, now))
	if _, err := h.svc.Acknowledge(ctx, "ws-1", first.Group.ID, "bob"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	res := h.ingest(t, sentryEvent("fp", "e2", alert.SeverityCritical, now.Add(time.Second)))

	if res.Group.Status != alert.StatusOpen || res.Group.Severity != alert.SeverityCritical {
		t.Errorf("group = %s %s, want OPEN CRITICAL", res.Group.Status, res.Group.Severity)
	}
	if !res.Routed || res.EscalationJobID == "" {
		t.Errorf("routed %v job %q, want re-routed and re-armed", res.Routed, res.EscalationJobID)
	}
}

func TestIngest_Correlates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	now := time.Now()

	a := h.ingest(t, sentryEvent("db-timeout", "", alert.SeverityHigh, now))
	b := h.ingest(t, sentryEvent("checkout-500", "", alert.SeverityHigh, now))

	if a.Correlation != nil {
		t.Errorf("first group correlated with nothing: %+v", a.Correlation)
	}
	if b.Correlation == nil {
		t.Fatal("second group not correlated")
	}
	if b.Correlation.PrimaryGroupID != b.Group.ID || len(b.Correlation.RelatedGroupIDs) != 1 ||
		b.Correlation.RelatedGroupIDs[0] != a.Group.ID {
		t.Errorf("correlation = %+v", b.Correlation)
	}
	if b.Correlation.ConfidenceScore != 0.85 {
		t.Errorf("confidence = %v, want 0.85", b.Correlation.ConfidenceScore)
	}

	got, err := h.svc.GetCorrelation(context.Background(), "ws-1", b.Group.ID)
	if err != nil || got.ID != b.Correlation.ID {
		t.Errorf("GetCorrelation = (%v, %v)", got, err)
	}
	if _, err := h.svc.GetCorrelation(context.Background(), "ws-1", a.Group.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCorrelation(uncorrelated) = %v, want ErrNotFound", err)
	}
}

func TestIngest_CreatesSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t, nil)
	h.putRule(t, highToC1)
	h.ingest(t, sentryEvent("fp-span", "", alert.SeverityHigh, time.Now()))

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "incident.ingest" {
			continue
		}
		found = true
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v := attrs["warden.alert.fingerprint"]; v != "fp-span" {
			t.Errorf("warden.alert.fingerprint = %v, want fp-span", v)
		}
		if v := attrs["warden.dedup.outcome"]; v != "created" {
			t.Errorf("warden.dedup.outcome = %v, want created", v)
		}
		if v := attrs["warden.routing.routed"]; v != true {
			t.Errorf("warden.routing.routed = %v, want true", v)
		}
	}
	if !found {
		t.Error("no incident.ingest span recorded")
	}
}
