package incident

import "errors"

var (
	// ErrNotFound is returned for groups, rules or correlations that do not
	// exist in the caller's workspace.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an action does not apply to the group's
	// current status.
	ErrConflict = errors.New("conflict")
)
