package alert

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent is matched by every ValidationError via errors.Is.
var ErrInvalidEvent = errors.New("invalid alert event")

// ValidationError reports a rejected input and the field that caused it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidEvent) true for validation errors.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEvent
}
