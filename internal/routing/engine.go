package routing

import (
	"context"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/condition"
)

// Result describes the winning rule for an alert.
type Result struct {
	RuleID            string    `json:"ruleId"`
	RuleName          string    `json:"ruleName"`
	Matched           bool      `json:"matched"`
	MatchedConditions []string  `json:"matchedConditions"`
	FailedConditions  []string  `json:"failedConditions"`
	Actions           Actions   `json:"actions"`
	EvaluatedAt       time.Time `json:"evaluatedAt"`
}

// Ambiguity is a condition that failed closed while routing.
type Ambiguity struct {
	RuleID string
	Detail condition.Detail
}

// Decision is the full outcome of routing one alert. Result is nil when
// no rule matched, which callers must surface as "unrouted".
type Decision struct {
	Result      *Result
	Evaluated   int
	Ambiguities []Ambiguity
}

// Routed reports whether a rule matched.
func (d Decision) Routed() bool { return d.Result != nil }

// Route picks the first matching enabled rule. It sorts its own copy of
// rules, so callers may pass them in any order.
func Route(a alert.ForEvaluation, rules []Rule) Decision {
	ordered := Ordered(rules)

	var d Decision
	for i := range ordered {
		r := &ordered[i]
		res := condition.Evaluate(r.Conditions, a)
		d.Evaluated++
		for _, det := range res.Ambiguous() {
			d.Ambiguities = append(d.Ambiguities, Ambiguity{RuleID: r.ID, Detail: det})
		}
		if res.Matched {
			d.Result = &Result{
				RuleID:            r.ID,
				RuleName:          r.Name,
				Matched:           true,
				MatchedConditions: res.MatchedConditions,
				FailedConditions:  res.FailedConditions,
				Actions:           r.Actions,
			}
			return d
		}
	}
	return d
}

// Ordered returns the enabled rules in evaluation order.
func Ordered(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b Rule) int {
		switch {
		case less(&a, &b):
			return -1
		case less(&b, &a):
			return 1
		}
		return 0
	})
	return out
}

// RuleProvider returns a workspace's rules.
type RuleProvider interface {
	Rules(ctx context.Context, workspaceID string) ([]Rule, error)
}

// Engine routes alerts using the provider's current rule set.
type Engine struct {
	rules  RuleProvider
	logger log.Logger
	now    func() time.Time
}

// NewEngine creates a routing engine.
func NewEngine(rules RuleProvider, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{rules: rules, logger: logger, now: time.Now}
}

// Route evaluates the workspace rules against a. Conditions that failed
// closed are logged and never abort evaluation of later rules.
func (e *Engine) Route(ctx context.Context, a alert.ForEvaluation) (Decision, error) {
	rules, err := e.rules.Rules(ctx, a.WorkspaceID)
	if err != nil {
		return Decision{}, err
	}

	d := Route(a, rules)
	for _, amb := range d.Ambiguities {
		e.logger.Warn(ctx, "routing condition failed closed",
			"workspace_id", a.WorkspaceID,
			"rule_id", amb.RuleID,
			"field", amb.Detail.Field,
			"operator", string(amb.Detail.Operator),
			"reason", amb.Detail.Note,
		)
	}
	if d.Result != nil {
		d.Result.EvaluatedAt = e.now()
	}
	return d, nil
}

// TestResult is the dry-run report for a hypothetical rule.
type TestResult struct {
	Matched           bool               `json:"matched"`
	MatchedConditions []string           `json:"matchedConditions"`
	FailedConditions  []string           `json:"failedConditions"`
	Actions           *Actions           `json:"actions,omitempty"`
	EvaluationDetails []condition.Detail `json:"evaluationDetails"`
}

// TestRule evaluates r against a exactly as production routing would,
// ignoring Enabled and Priority.
func TestRule(r Rule, a alert.ForEvaluation) TestResult {
	res := condition.Evaluate(r.Conditions, a)
	out := TestResult{
		Matched:           res.Matched,
		MatchedConditions: res.MatchedConditions,
		FailedConditions:  res.FailedConditions,
		EvaluationDetails: res.Details,
	}
	if out.EvaluationDetails == nil {
		out.EvaluationDetails = []condition.Detail{}
	}
	if res.Matched {
		act := r.Actions
		out.Actions = &act
	}
	return out
}
