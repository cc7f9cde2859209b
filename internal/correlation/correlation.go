// Package correlation links a new alert to recently active groups that
// probably share its cause. It only ever links groups; merging is the
// dedup index's job, and every failure here is safe to ignore.
package correlation

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Reasons attached to a correlation.
const (
	ReasonTimeProximity    = "time_proximity"
	ReasonSameProject      = "same_project"
	ReasonSameEnvironment  = "same_environment"
	ReasonCriticalSeverity = "critical_severity"
	ReasonTagOverlap       = "tag_overlap"
	ReasonHighCorrelation  = "high_correlation"
	ReasonSemantic         = "semantic_similarity"
)

// attribute weights, summing to 1
const (
	weightTime     = 0.35
	weightEnv      = 0.20
	weightProject  = 0.20
	weightSeverity = 0.10
	weightTags     = 0.15
)

// Config is the per-workspace correlation policy.
type Config struct {
	Enabled            bool
	Threshold          float64
	RootCauseThreshold float64
	Lookback           time.Duration
	TimeWindow         time.Duration
	MaxRelated         int
	// SemanticWeight is the share of the final score taken from the
	// semantic scorer when one is configured.
	SemanticWeight float64
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Threshold:          0.5,
		RootCauseThreshold: 0.8,
		Lookback:           24 * time.Hour,
		TimeWindow:         5 * time.Minute,
		MaxRelated:         10,
		SemanticWeight:     0.3,
	}
}

// Validate checks thresholds and windows.
func (c Config) Validate() error {
	switch {
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("correlation threshold %v out of [0,1]", c.Threshold)
	case c.RootCauseThreshold < c.Threshold || c.RootCauseThreshold > 1:
		return fmt.Errorf("root cause threshold %v must be in [threshold,1]", c.RootCauseThreshold)
	case c.Lookback <= 0:
		return fmt.Errorf("correlation lookback must be positive")
	case c.TimeWindow <= 0:
		return fmt.Errorf("correlation time window must be positive")
	case c.MaxRelated <= 0:
		return fmt.Errorf("correlation max related must be positive")
	case c.SemanticWeight < 0 || c.SemanticWeight > 1:
		return fmt.Errorf("semantic weight %v out of [0,1]", c.SemanticWeight)
	}
	return nil
}

// Scorer is an optional semantic similarity model returning [0,1].
type Scorer interface {
	Score(ctx context.Context, a alert.ForEvaluation, g *alert.Group) (float64, error)
}

// Narrator optionally writes the natural-language root-cause analysis.
type Narrator interface {
	Explain(ctx context.Context, primary alert.ForEvaluation, rootCause *alert.Group, related []Candidate) (string, error)
}

// Candidate is a scored open group.
type Candidate struct {
	Group   *alert.Group
	Score   float64
	Reasons []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer plugs in a semantic scorer.
func WithScorer(s Scorer) Option { return func(e *Engine) { e.scorer = s } }

// WithNarrator plugs in a root-cause narrator.
func WithNarrator(n Narrator) Option { return func(e *Engine) { e.narrator = n } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithCallTimeout bounds each scorer and narrator call.
func WithCallTimeout(d time.Duration) Option { return func(e *Engine) { e.callTimeout = d } }

// Engine scores candidates and builds correlations.
type Engine struct {
	scorer      Scorer
	narrator    Narrator
	logger      log.Logger
	callTimeout time.Duration
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: log.Nop(), callTimeout: 5 * time.Second}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = log.Nop()
	}
	return e
}

// Correlate returns the correlation for newAlert against open, or nil
// when nothing reaches cfg.Threshold. newAlert.ID must be the id of the
// new alert's own group.
func (e *Engine) Correlate(ctx context.Context, cfg Config, newAlert alert.ForEvaluation, open []*alert.Group, now time.Time) *alert.Correlation {
	if !cfg.Enabled {
		return nil
	}
	cands := e.Rank(ctx, cfg, newAlert, open, now)
	if len(cands) == 0 {
		return nil
	}

	top := cands[0]
	c := &alert.Correlation{
		ID:              ulid.Make().String(),
		WorkspaceID:     newAlert.WorkspaceID,
		PrimaryGroupID:  newAlert.ID,
		ConfidenceScore: round(top.Score),
		Reasons:         slices.Clone(top.Reasons),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, cand := range cands {
		c.RelatedGroupIDs = append(c.RelatedGroupIDs, cand.Group.ID)
	}
	if top.Score > 0.8 {
		c.Reasons = append(c.Reasons, ReasonHighCorrelation)
	}

	root := rootCause(cfg, newAlert, cands)
	switch {
	case root == nil:
	case root == rootIsPrimary:
		c.RootCauseGroupID = newAlert.ID
	default:
		c.RootCauseGroupID = root.ID
	}
	c.RootCauseAnalysis = e.explain(ctx, newAlert, root, cands)
	return c
}

// Rank scores every eligible group and returns those at or above the
// threshold, best first: score, then most recent LastSeenAt, then ID.
func (e *Engine) Rank(ctx context.Context, cfg Config, a alert.ForEvaluation, open []*alert.Group, now time.Time) []Candidate {
	var out []Candidate
	for _, g := range open {
		if !eligible(cfg, a, g, now) {
			continue
		}
		score, reasons := AttributeScore(a, g, cfg.TimeWindow)
		if e.scorer != nil && cfg.SemanticWeight > 0 {
			if s, err := e.semantic(ctx, a, g); err != nil {
				e.logger.Warn(ctx, "semantic scorer failed, using attribute score",
					"group_id", g.ID, "error", err)
			} else {
				score = (1-cfg.SemanticWeight)*score + cfg.SemanticWeight*clamp(s)
				if s >= 0.7 {
					reasons = append(reasons, ReasonSemantic)
				}
			}
		}
		if score >= cfg.Threshold {
			out = append(out, Candidate{Group: g, Score: score, Reasons: reasons})
		}
	}

	slices.SortFunc(out, func(x, y Candidate) int {
		switch {
		case x.Score > y.Score:
			return -1
		case x.Score < y.Score:
			return 1
		case x.Group.LastSeenAt.After(y.Group.LastSeenAt):
			return -1
		case x.Group.LastSeenAt.Before(y.Group.LastSeenAt):
			return 1
		}
		return strings.Compare(x.Group.ID, y.Group.ID)
	})
	if len(out) > cfg.MaxRelated {
		out = out[:cfg.MaxRelated]
	}
	return out
}

func eligible(cfg Config, a alert.ForEvaluation, g *alert.Group, now time.Time) bool {
	if g == nil || g.ID == a.ID || g.WorkspaceID != a.WorkspaceID || !g.Status.Active() {
		return false
	}
	return now.Sub(g.LastSeenAt) <= cfg.Lookback
}

// AttributeScore scores a against g from shared attributes alone.
func AttributeScore(a alert.ForEvaluation, g *alert.Group, window time.Duration) (float64, []string) {
	var score float64
	var reasons []string

	dt := a.OccurredAt.Sub(g.LastSeenAt)
	if dt < 0 {
		dt = -dt
	}
	if window > 0 && dt <= window {
		score += weightTime * (1 - float64(dt)/float64(window))
		if dt < time.Minute {
			reasons = append(reasons, ReasonTimeProximity)
		}
	}
	if a.Environment != "" && strings.EqualFold(a.Environment, g.Environment) {
		score += weightEnv
		reasons = append(reasons, ReasonSameEnvironment)
	}
	if a.Project != "" && strings.EqualFold(a.Project, g.Project) {
		score += weightProject
		reasons = append(reasons, ReasonSameProject)
	}
	if a.Severity.Valid() && a.Severity == g.Severity {
		score += weightSeverity
		if a.Severity == alert.SeverityCritical {
			reasons = append(reasons, ReasonCriticalSeverity)
		}
	}
	if j := jaccard(a.Tags, g.Tags); j > 0 {
		score += weightTags * j
		reasons = append(reasons, ReasonTagOverlap)
	}
	return clamp(score), reasons
}

func jaccard(a, b map[string]string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k, v := range a {
		if bv, ok := b[k]; ok && bv == v {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// rootIsPrimary marks that the new alert itself is the earliest.
var rootIsPrimary = &alert.Group{}

// rootCause nominates the earliest-occurring group among candidates at or
// above the root-cause threshold. The new alert competes too.
func rootCause(cfg Config, a alert.ForEvaluation, cands []Candidate) *alert.Group {
	var root *alert.Group
	for _, c := range cands {
		if c.Score < cfg.RootCauseThreshold {
			continue
		}
		if root == nil || c.Group.FirstSeenAt.Before(root.FirstSeenAt) {
			root = c.Group
		}
	}
	if root == nil {
		return nil
	}
	if a.OccurredAt.Before(root.FirstSeenAt) {
		return rootIsPrimary
	}
	return root
}

func (e *Engine) semantic(ctx context.Context, a alert.ForEvaluation, g *alert.Group) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.scorer.Score(ctx, a, g)
}

func (e *Engine) explain(ctx context.Context, a alert.ForEvaluation, root *alert.Group, cands []Candidate) string {
	if root == rootIsPrimary {
		root = nil
	}
	if e.narrator != nil {
		nctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		text, err := e.narrator.Explain(nctx, a, root, cands)
		if err == nil && strings.TrimSpace(text) != "" {
			return text
		}
		if err != nil {
			e.logger.Warn(ctx, "root cause narrator failed, using template", "error", err)
		}
	}
	return Explain(a, root, cands)
}

// Explain renders the template analysis used when no narrator is set.
func Explain(a alert.ForEvaluation, root *alert.Group, cands []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Correlated with %d active alert group(s)", len(cands))
	if a.Project != "" {
		fmt.Fprintf(&b, " in %s", a.Project)
	}
	if len(cands) > 0 {
		fmt.Fprintf(&b, " (confidence %d%%)", int(math.Round(cands[0].Score*100)))
	}
	b.WriteString(".")
	if root != nil {
		fmt.Fprintf(&b, " Likely root cause: %q, first seen %s.", root.Title, root.FirstSeenAt.UTC().Format(time.RFC3339))
	}
	if len(cands) > 0 && len(cands[0].Reasons) > 0 {
		fmt.Fprintf(&b, " Signals: %s.", strings.Join(cands[0].Reasons, ", "))
	}
	return b.String()
}

func clamp(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func round(f float64) float64 {
	return math.Round(f*1000) / 1000
}
