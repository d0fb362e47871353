package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrUnauthorized       = errors.New("actor not authorized for transition")
	ErrAlreadyApplied     = errors.New("transition already applied")
	ErrDeadlinePassed     = errors.New("deadline passed")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrDisputeBlocking    = errors.New("open dispute blocks transition")

	ErrNotFound        = errors.New("transaction not found")
	ErrVersionConflict = errors.New("transaction version conflict")
	ErrDuplicate       = errors.New("transaction already exists")
	ErrReplayDiverged  = errors.New("transition log replay diverged")
	ErrBadSignature    = errors.New("transition log signature mismatch")
)

// TransitionError reports a rejected transition together with the
// authoritative snapshot at the time of rejection.
type TransitionError struct {
	Err         error
	Kind        TransitionKind
	State       State
	Reason      string
	Transaction *Transaction
}

func newTransitionError(err error, kind TransitionKind, state State, reason string) *TransitionError {
	return &TransitionError{Err: err, Kind: kind, State: state, Reason: reason}
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s from %s", e.Err, e.Kind, e.State)
	if e.State == "" {
		msg = fmt.Sprintf("%s: %s", e.Err, e.Kind)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// AsTransitionError extracts a *TransitionError from err.
func AsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
