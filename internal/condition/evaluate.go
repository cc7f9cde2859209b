package condition

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Detail is the per-condition outcome reported by dry runs.
type Detail struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Expected Value    `json:"expected"`
	Actual   string   `json:"actual"`
	Result   bool     `json:"result"`
	// Note explains a fail-closed outcome (bad regex, non-numeric compare).
	Note string `json:"note,omitempty"`
}

// Result is the outcome of evaluating a Group.
type Result struct {
	Matched           bool     `json:"matched"`
	MatchedConditions []string `json:"matchedConditions"`
	FailedConditions  []string `json:"failedConditions"`
	Details           []Detail `json:"details"`
}

// Ambiguous returns the details that failed closed.
func (r Result) Ambiguous() []Detail {
	var out []Detail
	for _, d := range r.Details {
		if d.Note != "" {
			out = append(out, d)
		}
	}
	return out
}

// Evaluate checks g against a. Every condition is evaluated, so Details
// is complete even when the outcome is decided early.
func Evaluate(g Group, a alert.ForEvaluation) Result {
	res := Result{
		MatchedConditions: []string{},
		FailedConditions:  []string{},
	}

	allOK := true
	for _, c := range g.All {
		d := EvaluateCondition(c, a)
		res.record(c, d)
		if !d.Result {
			allOK = false
		}
	}

	anyOK := g.Any == nil
	for _, c := range g.Any {
		d := EvaluateCondition(c, a)
		res.record(c, d)
		if d.Result {
			anyOK = true
		}
	}

	res.Matched = allOK && anyOK
	return res
}

func (r *Result) record(c Condition, d Detail) {
	r.Details = append(r.Details, d)
	if d.Result {
		r.MatchedConditions = append(r.MatchedConditions, c.Describe())
	} else {
		r.FailedConditions = append(r.FailedConditions, c.Describe())
	}
}

// EvaluateCondition evaluates a single condition.
func EvaluateCondition(c Condition, a alert.ForEvaluation) Detail {
	d := Detail{Field: c.Field, Operator: c.Operator, Expected: c.Value}

	actual, ok := Resolve(c.Field, a)
	d.Actual = actual
	if !ok {
		d.Note = "unknown field"
		return d
	}

	switch c.Operator {
	case OpEquals, OpNotEquals:
		if !c.Value.IsScalar() {
			d.Note = "value must be a scalar"
			return d
		}
		eq := equal(c.Field, actual, c.Value, c.CaseSensitive)
		d.Result = eq == (c.Operator == OpEquals)

	case OpIn, OpNotIn:
		if c.Value.Kind() != KindList {
			d.Note = "value must be a list"
			return d
		}
		found := false
		for _, item := range c.Value.list {
			if equal(c.Field, actual, String(item), c.CaseSensitive) {
				found = true
				break
			}
		}
		d.Result = found == (c.Operator == OpIn)

	case OpContains, OpNotContains:
		if !c.Value.IsScalar() {
			d.Note = "value must be a scalar"
			return d
		}
		hay, needle := actual, c.Value.Text()
		if !c.CaseSensitive {
			hay, needle = strings.ToLower(hay), strings.ToLower(needle)
		}
		d.Result = strings.Contains(hay, needle) == (c.Operator == OpContains)

	case OpRegex:
		re, err := compile(c.Value, c.CaseSensitive)
		if err != nil {
			d.Note = "invalid regex: " + err.Error()
			return d
		}
		d.Result = re.MatchString(actual)

	case OpGreaterThan, OpGreaterThanOrEquals, OpLessThan, OpLessThanOrEquals:
		lhs, rhs, note := operands(c.Field, actual, c.Value)
		if note != "" {
			d.Note = note
			return d
		}
		d.Result = compare(c.Operator, lhs, rhs)

	default:
		d.Note = "unknown operator"
	}
	return d
}

// Resolve returns the alert attribute a field refers to. Missing tags
// resolve to the empty string; unknown fields report ok=false.
func Resolve(field string, a alert.ForEvaluation) (string, bool) {
	if key, ok := strings.CutPrefix(field, "tags."); ok {
		if key == "" {
			return "", false
		}
		return a.Tags[key], true
	}
	switch field {
	case "environment", "env":
		return a.Environment, true
	case "severity":
		if !a.Severity.Valid() {
			return "", true
		}
		return a.Severity.String(), true
	case "project", "service":
		return a.Project, true
	case "title":
		return a.Title, true
	case "message":
		return a.Message, true
	case "source":
		return string(a.Source), true
	case "status":
		return string(a.Status), true
	case "fingerprint":
		return a.Fingerprint, true
	case "count":
		return strconv.Itoa(a.Count), true
	}
	return "", false
}

// KnownField reports whether field can be resolved.
func KnownField(field string) bool {
	_, ok := Resolve(field, alert.ForEvaluation{})
	return ok
}

func equal(field, actual string, v Value, caseSensitive bool) bool {
	switch field {
	case "severity":
		if want, ok := alert.ParseSeverity(v.Text()); ok {
			got, _ := alert.ParseSeverity(actual)
			return got == want
		}
	case "count":
		if want, ok := v.Number(); ok {
			got, err := strconv.ParseFloat(actual, 64)
			return err == nil && got == want
		}
	}
	if caseSensitive {
		return actual == v.Text()
	}
	return strings.EqualFold(actual, v.Text())
}

func compile(v Value, caseSensitive bool) (*regexp.Regexp, error) {
	pattern := v.Text()
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

// operands coerces both sides of an ordered comparison. Severity compares
// by rank; everything else must parse as a number on both sides.
func operands(field, actual string, v Value) (lhs, rhs float64, note string) {
	if !v.IsScalar() || v.Kind() == KindBool {
		return 0, 0, "value must be numeric"
	}
	if field == "severity" {
		got, ok := alert.ParseSeverity(actual)
		if !ok {
			return 0, 0, "alert severity unknown"
		}
		if want, ok := alert.ParseSeverity(v.Text()); ok {
			return float64(got.Rank()), float64(want.Rank()), ""
		}
		n, ok := v.Number()
		if !ok || n < 1 || n > 5 {
			return 0, 0, "value is not a severity"
		}
		return float64(got.Rank()), n, ""
	}
	got, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	if err != nil {
		return 0, 0, "actual value is not numeric"
	}
	want, ok := v.Number()
	if !ok {
		return 0, 0, "value is not numeric"
	}
	return got, want, ""
}

func compare(op Operator, lhs, rhs float64) bool {
	switch op {
	case OpGreaterThan:
		return lhs > rhs
	case OpGreaterThanOrEquals:
		return lhs >= rhs
	case OpLessThan:
		return lhs < rhs
	case OpLessThanOrEquals:
		return lhs <= rhs
	}
	return false
}
