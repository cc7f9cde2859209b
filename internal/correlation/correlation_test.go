package correlation

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAlert() alert.ForEvaluation {
	return alert.ForEvaluation{
		ID:          "new",
		WorkspaceID: "ws-1",
		Environment: "production",
		Project:     "checkout",
		Severity:    alert.SeverityHigh,
		Title:       "payment timeouts",
		Tags:        map[string]string{"region": "eu", "team": "pay"},
		OccurredAt:  now,
	}
}

func group(id string, lastSeenAgo time.Duration, mutate func(*alert.Group)) *alert.Group {
	g := &alert.Group{
		ID:          id,
		WorkspaceID: "ws-1",
		Environment: "production",
		Project:     "checkout",
		Severity:    alert.SeverityHigh,
		Status:      alert.StatusOpen,
		Title:       "group " + id,
		FirstSeenAt: now.Add(-lastSeenAgo - time.Minute),
		LastSeenAt:  now.Add(-lastSeenAgo),
		Tags:        map[string]string{"region": "eu"},
	}
	if mutate != nil {
		mutate(g)
	}
	return g
}

func ids(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Group.ID)
	}
	return out
}

func TestAttributeScore(t *testing.T) {
	t.Parallel()

	g := group("g", 30*time.Second, nil)
	score, reasons := AttributeScore(newAlert(), g, 5*time.Minute)

	// time 0.35*0.9 + env 0.2 + project 0.2 + severity 0.1 + tags 0.15*0.5
	want := 0.315 + 0.2 + 0.2 + 0.1 + 0.075
	if math.Abs(score-want) > 1e-9 {
		t.Errorf("score = %v, want %v", score, want)
	}
	for _, r := range []string{ReasonTimeProximity, ReasonSameEnvironment, ReasonSameProject, ReasonTagOverlap} {
		if !slices.Contains(reasons, r) {
			t.Errorf("reasons %v missing %q", reasons, r)
		}
	}

	far := group("far", time.Hour, func(g *alert.Group) {
		g.Environment = "staging"
		g.Project = "search"
		g.Severity = alert.SeverityLow
		g.Tags = nil
	})
	if score, reasons := AttributeScore(newAlert(), far, 5*time.Minute); score != 0 || len(reasons) != 0 {
		t.Errorf("unrelated score = (%v, %v), want (0, [])", score, reasons)
	}
}

func TestRank_ThresholdAndOrder(t *testing.T) {
	t.Parallel()

	open := []*alert.Group{
		group("weak", 4*time.Minute, func(g *alert.Group) { g.Project = "other"; g.Environment = "staging"; g.Tags = nil }),
		group("b-tie", 2*time.Minute, func(g *alert.Group) { g.Tags = nil }),
		group("strong", 10*time.Second, nil),
		group("a-tie", 2*time.Minute, func(g *alert.Group) { g.Tags = nil }),
	}

	// equal score and recency fall back to id order
	got := ids(NewEngine().Rank(context.Background(), DefaultConfig(), newAlert(), open, now))
	want := []string{"strong", "a-tie", "b-tie"}
	if !slices.Equal(got, want) {
		t.Errorf("Rank = %v, want %v", got, want)
	}
}

func TestRank_TieBrokenByRecency(t *testing.T) {
	t.Parallel()

	// identical attributes and the new alert sits exactly between them in
	// time, so the scores are equal and recency decides
	a := newAlert()
	a.OccurredAt = now.Add(-time.Minute)
	earlier := group("earlier", 2*time.Minute, nil)
	later := group("later", 0, nil)

	got := ids(NewEngine().Rank(context.Background(), DefaultConfig(), a, []*alert.Group{earlier, later}, now))
	if !slices.Equal(got, []string{"later", "earlier"}) {
		t.Errorf("Rank = %v, want [later earlier]", got)
	}
}

func TestRank_Eligibility(t *testing.T) {
	t.Parallel()

	open := []*alert.Group{
		group("new", 0, nil),
		group("resolved", 0, func(g *alert.Group) { g.Status = alert.StatusResolved }),
		group("other-ws", 0, func(g *alert.Group) { g.WorkspaceID = "ws-2" }),
		group("stale", 25*time.Hour, nil),
		group("acked", 0, func(g *alert.Group) { g.Status = alert.StatusAcked }),
		nil,
	}
	got := ids(NewEngine().Rank(context.Background(), DefaultConfig(), newAlert(), open, now))
	if !slices.Equal(got, []string{"acked"}) {
		t.Errorf("Rank = %v, want [acked]", got)
	}
}

func TestRank_MaxRelated(t *testing.T) {
	t.Parallel()

	var open []*alert.Group
	for i := range 15 {
		open = append(open, group(string(rune('a'+i)), time.Duration(i)*time.Second, nil))
	}
	cfg := DefaultConfig()
	cfg.MaxRelated = 4
	if got := len(NewEngine().Rank(context.Background(), cfg, newAlert(), open, now)); got != 4 {
		t.Errorf("len(Rank) = %d, want 4", got)
	}
}

func TestCorrelate_RootCause(t *testing.T) {
	t.Parallel()

	root := group("root", 20*time.Second, func(g *alert.Group) { g.FirstSeenAt = now.Add(-time.Hour) })
	mid := group("mid", 10*time.Second, nil)
	open := []*alert.Group{mid, root}

	c := NewEngine().Correlate(context.Background(), DefaultConfig(), newAlert(), open, now)
	if c == nil {
		t.Fatal("Correlate() = nil, want correlation")
	}
	if c.PrimaryGroupID != "new" {
		t.Errorf("PrimaryGroupID = %q, want new", c.PrimaryGroupID)
	}
	if c.RootCauseGroupID != "root" {
		t.Errorf("RootCauseGroupID = %q, want root", c.RootCauseGroupID)
	}
	if len(c.RelatedGroupIDs) != 2 {
		t.Errorf("RelatedGroupIDs = %v, want 2", c.RelatedGroupIDs)
	}
	if c.ConfidenceScore < 0.8 || c.ConfidenceScore > 1 {
		t.Errorf("ConfidenceScore = %v, want in [0.8,1]", c.ConfidenceScore)
	}
	if !slices.Contains(c.Reasons, ReasonHighCorrelation) {
		t.Errorf("Reasons = %v, want high_correlation", c.Reasons)
	}
	if !strings.Contains(c.RootCauseAnalysis, `"group root"`) {
		t.Errorf("RootCauseAnalysis = %q, want root title", c.RootCauseAnalysis)
	}
}

func TestCorrelate_NoRootCauseBelowSecondThreshold(t *testing.T) {
	t.Parallel()

	// env + project + severity only: 0.5, above link threshold, below root cause
	g := group("g", time.Hour, func(g *alert.Group) { g.Tags = nil })
	c := NewEngine().Correlate(context.Background(), DefaultConfig(), newAlert(), []*alert.Group{g}, now)
	if c == nil {
		t.Fatal("Correlate() = nil, want correlation")
	}
	if c.RootCauseGroupID != "" {
		t.Errorf("RootCauseGroupID = %q, want none", c.RootCauseGroupID)
	}
}

func TestCorrelate_NothingAboveThreshold(t *testing.T) {
	t.Parallel()

	g := group("g", time.Hour, func(g *alert.Group) { g.Project = "x"; g.Tags = nil })
	if c := NewEngine().Correlate(context.Background(), DefaultConfig(), newAlert(), []*alert.Group{g}, now); c != nil {
		t.Errorf("Correlate() = %+v, want nil", c)
	}
}

func TestCorrelate_Disabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Enabled = false
	if c := NewEngine().Correlate(context.Background(), cfg, newAlert(), []*alert.Group{group("g", 0, nil)}, now); c != nil {
		t.Errorf("Correlate() = %+v, want nil when disabled", c)
	}
}

type fakeScorer struct {
	score float64
	err   error
}

func (f fakeScorer) Score(context.Context, alert.ForEvaluation, *alert.Group) (float64, error) {
	return f.score, f.err
}

func TestRank_SemanticBlend(t *testing.T) {
	t.Parallel()

	// attribute score 0.5 (env+project+severity), semantic 1.0, weight 0.3 -> 0.65
	g := group("g", time.Hour, func(g *alert.Group) { g.Tags = nil })
	cands := NewEngine(WithScorer(fakeScorer{score: 1})).Rank(context.Background(), DefaultConfig(), newAlert(), []*alert.Group{g}, now)
	if len(cands) != 1 {
		t.Fatalf("len = %d, want 1", len(cands))
	}
	if math.Abs(cands[0].Score-0.65) > 1e-9 {
		t.Errorf("Score = %v, want 0.65", cands[0].Score)
	}
	if !slices.Contains(cands[0].Reasons, ReasonSemantic) {
		t.Errorf("Reasons = %v, want semantic_similarity", cands[0].Reasons)
	}

	// a failing scorer falls back to the attribute score
	cands = NewEngine(WithScorer(fakeScorer{err: errors.New("quota")}), WithLogger(log.Nop())).
		Rank(context.Background(), DefaultConfig(), newAlert(), []*alert.Group{g}, now)
	if len(cands) != 1 || math.Abs(cands[0].Score-0.5) > 1e-9 {
		t.Errorf("fallback = %+v, want score 0.5", cands)
	}
}

type fakeNarrator struct {
	text string
	err  error
}

func (f fakeNarrator) Explain(context.Context, alert.ForEvaluation, *alert.Group, []Candidate) (string, error) {
	return f.text, f.err
}

func TestCorrelate_Narrator(t *testing.T) {
	t.Parallel()

	open := []*alert.Group{group("g", 10*time.Second, nil)}

	c := NewEngine(WithNarrator(fakeNarrator{text: "the database is down"})).
		Correlate(context.Background(), DefaultConfig(), newAlert(), open, now)
	if c.RootCauseAnalysis != "the database is down" {
		t.Errorf("RootCauseAnalysis = %q, want narrator text", c.RootCauseAnalysis)
	}

	c = NewEngine(WithNarrator(fakeNarrator{err: errors.New("timeout")})).
		Correlate(context.Background(), DefaultConfig(), newAlert(), open, now)
	if !strings.HasPrefix(c.RootCauseAnalysis, "Correlated with 1 active alert group(s)") {
		t.Errorf("RootCauseAnalysis = %q, want template fallback", c.RootCauseAnalysis)
	}
}

func TestCorrelate_PrimaryIsEarliest(t *testing.T) {
	t.Parallel()

	a := newAlert()
	a.OccurredAt = now.Add(-2 * time.Hour)
	g := group("g", 0, func(g *alert.Group) { g.FirstSeenAt = now })
	cfg := DefaultConfig()
	cfg.TimeWindow = 100 * time.Hour

	c := NewEngine().Correlate(context.Background(), cfg, a, []*alert.Group{g}, now)
	if c == nil {
		t.Fatal("Correlate() = nil")
	}
	if c.RootCauseGroupID != "new" {
		t.Errorf("RootCauseGroupID = %q, want the primary itself", c.RootCauseGroupID)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	bad := []func(*Config){
		func(c *Config) { c.Threshold = 1.5 },
		func(c *Config) { c.RootCauseThreshold = 0.1 },
		func(c *Config) { c.Lookback = 0 },
		func(c *Config) { c.TimeWindow = -time.Second },
		func(c *Config) { c.MaxRelated = 0 },
		func(c *Config) { c.SemanticWeight = 2 },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: Validate() = nil, want error", i)
		}
	}
}
