package session

import "fmt"

// State represents the lifecycle state of a call session.
type State int

const (
	// StateCreated is the initial state when a session is built.
	StateCreated State = iota
	// StateRinging is while an inbound invite is being alerted or an
	// outbound dial is awaiting answer.
	StateRinging
	// StateActive is a live call.
	StateActive
	// StateOnHold is a live call placed on hold.
	StateOnHold
	// StateDisconnecting is after a local hangup was forwarded, awaiting
	// SDK confirmation.
	StateDisconnecting
	// StateDisconnected is the final state. No transitions leave it.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRinging:
		return "Ringing"
	case StateActive:
		return "Active"
	case StateOnHold:
		return "OnHold"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed.
// Every non-terminal state may fall directly to Disconnected on an
// unrecoverable SDK error.
var validTransitions = map[State][]State{
	StateCreated:       {StateRinging, StateDisconnected},
	StateRinging:       {StateActive, StateDisconnecting, StateDisconnected},
	StateActive:        {StateOnHold, StateDisconnecting, StateDisconnected},
	StateOnHold:        {StateActive, StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected:  {},
}

// CanTransitionTo checks if a transition from s to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the final state.
func (s State) IsTerminal() bool {
	return s == StateDisconnected
}

// Direction indicates whether we received or placed the call.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// DisconnectCause explains why a session ended.
type DisconnectCause int

const (
	// CauseLocalHangup - we initiated the hangup.
	CauseLocalHangup DisconnectCause = iota
	// CauseRemoteHangup - the remote party or the SDK reported the end.
	CauseRemoteHangup
	// CauseRejected - a ringing invite was declined locally.
	CauseRejected
	// CauseCanceled - the caller withdrew the invite before answer.
	CauseCanceled
	// CauseError - the SDK reported an unrecoverable failure.
	CauseError
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseLocalHangup:
		return "local-hangup"
	case CauseRemoteHangup:
		return "remote-hangup"
	case CauseRejected:
		return "rejected"
	case CauseCanceled:
		return "canceled"
	case CauseError:
		return "error"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}
