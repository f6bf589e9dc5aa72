// Package voip defines the capability surface of the underlying VoIP
// signaling SDK. The session layer only ever talks to these interfaces;
// the sipbackend package provides the SIP implementation.
package voip

import (
	"context"
	"fmt"
)

// AudioRoute selects the audio output path for a call.
type AudioRoute int

const (
	RouteEarpiece AudioRoute = iota
	RouteSpeaker
	RouteBluetooth
)

func (r AudioRoute) String() string {
	switch r {
	case RouteEarpiece:
		return "earpiece"
	case RouteSpeaker:
		return "speaker"
	case RouteBluetooth:
		return "bluetooth"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// UpdateKind identifies an asynchronous state notification from the SDK.
type UpdateKind int

const (
	// UpdateRinging - the remote end is being alerted (outbound) or the
	// SDK confirmed the invite is ringing (inbound).
	UpdateRinging UpdateKind = iota
	// UpdateConnected - media/signaling established, the call is live.
	UpdateConnected
	// UpdateDisconnected - the call ended (local or remote hangup).
	UpdateDisconnected
	// UpdateFailed - the SDK gave up on the call with an error.
	UpdateFailed
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateRinging:
		return "ringing"
	case UpdateConnected:
		return "connected"
	case UpdateDisconnected:
		return "disconnected"
	case UpdateFailed:
		return "failed"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Update is an asynchronous state notification for a single call. All SDK
// callbacks are funneled through this one message type so the session can
// process them under the same lock as direct commands.
type Update struct {
	CallID string
	Kind   UpdateKind
	// Cause describes why the call ended, for UpdateDisconnected/UpdateFailed.
	Cause string
	Err   error
}

// Observer receives asynchronous updates for a call. Implementations must not
// block: the SDK may deliver updates from its own transport goroutines.
type Observer func(Update)

// Invite is an inbound call offer delivered by the SDK.
type Invite struct {
	CallID           string
	From             string
	To               string
	CustomParameters map[string]string
}

// ConnectOptions are the parameters for placing an outbound call.
type ConnectOptions struct {
	// Token authorizes the call with the signaling service.
	Token string
	To    string
	From  string
	// Params carries caller-defined parameters attached to the call.
	Params map[string]string
}

// Call is a non-owning handle to a live SDK call. The SDK owns the call's
// lifetime; sessions forward operations to it and observe results through
// the Observer registered at Dial/Accept time.
type Call interface {
	// ID returns the SDK-assigned call identifier. For outbound calls it may
	// be empty until the SDK reports ringing.
	ID() string
	Hangup(ctx context.Context) error
	SendDigits(ctx context.Context, digits string) error
	SetMuted(muted bool) error
	SetHold(ctx context.Context, hold bool) error
	SetAudioRoute(route AudioRoute) error
}

// Client is the narrow SDK entry point the session layer depends on.
type Client interface {
	// Dial places an outbound call. The returned handle's ID may not be
	// final until the observer sees UpdateRinging or UpdateConnected.
	Dial(ctx context.Context, opts ConnectOptions, obs Observer) (Call, error)

	// Accept answers an inbound invite. The ACTIVE transition is reported
	// asynchronously through the observer, not implied by a nil return.
	Accept(ctx context.Context, invite *Invite, obs Observer) (Call, error)

	// Reject declines an inbound invite.
	Reject(ctx context.Context, invite *Invite) error
}
