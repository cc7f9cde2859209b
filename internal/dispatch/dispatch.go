// Package dispatch is the boundary between the engine and notification
// adapters. The engine only learns success or failure and, optionally, a
// provider message id used to thread later escalations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Kind distinguishes first notifications from escalations.
type Kind string

const (
	KindInitial    Kind = "initial"
	KindEscalation Kind = "escalation"
)

// Action is a resolved delivery instruction.
type Action struct {
	ChannelID      string
	Group          *alert.Group
	MentionHere    bool
	MentionChannel bool
	Kind           Kind
	Level          int
	RuleID         string
	// ThreadRef is a provider message id to reply under, if any.
	ThreadRef string
}

// Receipt is returned on successful delivery.
type Receipt struct {
	MessageID string
}

// Dispatcher delivers an action.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Action) (Receipt, error)
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, a Action) (Receipt, error)

// Dispatch implements Dispatcher.
func (f Func) Dispatch(ctx context.Context, a Action) (Receipt, error) { return f(ctx, a) }

// PermanentError marks a failure retrying cannot fix (bad channel, 4xx).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RateLimitedError asks the caller to wait before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}
func (e *RateLimitedError) Unwrap() error { return e.Err }

// ErrNoAdapter is returned when no adapter serves a channel.
var ErrNoAdapter = errors.New("no dispatcher for channel")

// Router picks an adapter by channel prefix. "webhook:ops" goes to the
// adapter registered for "webhook" with channel "ops"; ids without a
// registered prefix go to the default adapter unchanged.
type Router struct {
	def      Dispatcher
	prefixed map[string]Dispatcher
}

// NewRouter creates a Router. def may be nil.
func NewRouter(def Dispatcher) *Router {
	return &Router{def: def, prefixed: make(map[string]Dispatcher)}
}

// Register serves channels named "<prefix>:<channel>" with d.
func (r *Router) Register(prefix string, d Dispatcher) {
	r.prefixed[prefix] = d
}

// Dispatch implements Dispatcher.
func (r *Router) Dispatch(ctx context.Context, a Action) (Receipt, error) {
	if prefix, rest, ok := strings.Cut(a.ChannelID, ":"); ok {
		if d, found := r.prefixed[prefix]; found {
			a.ChannelID = rest
			return d.Dispatch(ctx, a)
		}
	}
	if r.def == nil {
		return Receipt{}, Permanent(fmt.Errorf("%w %q", ErrNoAdapter, a.ChannelID))
	}
	return r.def.Dispatch(ctx, a)
}
