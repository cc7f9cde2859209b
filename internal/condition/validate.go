package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/warden/internal/alert"
)

// ValidationError reports a malformed condition by its path in the group,
// for example "all[1].value".
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Validate rejects conditions that could only ever fail closed. It is the
// write-time check; Evaluate never requires it to have run.
func Validate(g Group) error {
	var errs []error
	for i, c := range g.All {
		if err := validateCondition(fmt.Sprintf("all[%d]", i), c); err != nil {
			errs = append(errs, err)
		}
	}
	for i, c := range g.Any {
		if err := validateCondition(fmt.Sprintf("any[%d]", i), c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateCondition(path string, c Condition) error {
	if strings.TrimSpace(c.Field) == "" {
		return &ValidationError{Path: path + ".field", Reason: "required"}
	}
	if !KnownField(c.Field) {
		return &ValidationError{Path: path + ".field", Reason: fmt.Sprintf("unknown field %q", c.Field)}
	}
	if !c.Operator.known() {
		return &ValidationError{Path: path + ".operator", Reason: fmt.Sprintf("unknown operator %q", c.Operator)}
	}

	vpath := path + ".value"
	switch {
	case c.Operator == OpIn || c.Operator == OpNotIn:
		if c.Value.Kind() != KindList {
			return &ValidationError{Path: vpath, Reason: "must be a list"}
		}
	case c.Operator == OpRegex:
		if c.Value.Kind() != KindString {
			return &ValidationError{Path: vpath, Reason: "must be a string pattern"}
		}
		if _, err := compile(c.Value, c.CaseSensitive); err != nil {
			return &ValidationError{Path: vpath, Reason: "invalid regex: " + err.Error()}
		}
	case c.Operator.ordered():
		if c.Field == "severity" {
			if _, ok := alert.ParseSeverity(c.Value.Text()); ok {
				return nil
			}
			if n, ok := c.Value.Number(); ok && n >= 1 && n <= 5 {
				return nil
			}
			return &ValidationError{Path: vpath, Reason: "must be a severity name or rank 1..5"}
		}
		if c.Value.Kind() == KindBool {
			return &ValidationError{Path: vpath, Reason: "must be numeric"}
		}
		if _, ok := c.Value.Number(); !ok {
			return &ValidationError{Path: vpath, Reason: "must be numeric"}
		}
	default:
		if !c.Value.IsScalar() {
			return &ValidationError{Path: vpath, Reason: "must be a scalar"}
		}
	}
	return nil
}
