package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrNotFound indicates no session exists for the given call ID.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicateSession indicates a session already exists for the call ID.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrInvalidState indicates the operation is illegal in the current state.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrSessionTerminated indicates the session already disconnected.
	ErrSessionTerminated = errors.New("session already terminated")

	// ErrTargetNotFound indicates no session could be resolved for a command.
	ErrTargetNotFound = errors.New("target session not found")

	// ErrMissingInvite indicates an inbound connection request carried no
	// invite payload.
	ErrMissingInvite = errors.New("missing call invite")

	// ErrPermissionDenied indicates a required platform capability is absent.
	ErrPermissionDenied = errors.New("call permission denied")

	// ErrSDKRejected indicates the underlying SDK refused the operation.
	ErrSDKRejected = errors.New("sdk rejected operation")
)

// MissingParameterError reports a required command field that was absent.
// Use errors.As to extract the field name.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Name)
}

// InvalidStateError wraps ErrInvalidState with the offending operation and
// the state it was attempted in.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}
