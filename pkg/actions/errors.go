package actions

import (
	"errors"
	"fmt"
)

var (
	// ErrActionNotFound is returned when an action ID is unknown.
	ErrActionNotFound = errors.New("actions: action not found")
	// ErrRateLimitDeferred marks an action deferred by the rate limiter.
	// Deferral is not a failure; the action is retried on the next pass.
	ErrRateLimitDeferred = errors.New("actions: deferred by rate limit")
)

// ValidationError reports malformed action or decision data. It is returned
// before any state change occurs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// StateError reports an operation attempted from a state that does not
// permit it, e.g. rolling back an action that was never executed. The
// action's status is left unchanged.
type StateError struct {
	ActionID string
	Status   ActionStatus
	Op       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state: cannot %s action %s in state %s", e.Op, e.ActionID, e.Status)
}

// AlreadyDecidedError reports a duplicate decision: either a second decision
// on a single-approver action, or a repeat decision by the same actor on a
// quorum action.
type AlreadyDecidedError struct {
	ActionID string
	Actor    string
}

func (e *AlreadyDecidedError) Error() string {
	if e.Actor != "" {
		return fmt.Sprintf("already decided: action %s already has a decision from %s", e.ActionID, e.Actor)
	}
	return fmt.Sprintf("already decided: action %s", e.ActionID)
}

// ExecutorNotFoundError reports a live execution attempt for an action type
// with no registered executor. Dry runs fall back to the log-only executor;
// live execution never silently no-ops.
type ExecutorNotFoundError struct {
	TypeKey string
}

func (e *ExecutorNotFoundError) Error() string {
	return fmt.Sprintf("executor: no executor registered for action type %q", e.TypeKey)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsState reports whether err is (or wraps) a StateError.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// IsAlreadyDecided reports whether err is (or wraps) an AlreadyDecidedError.
func IsAlreadyDecided(err error) bool {
	var ae *AlreadyDecidedError
	return errors.As(err, &ae)
}
