// Package dispatch receives call-control commands, resolves their target
// session, and invokes the matching session operation. It also hosts the
// connection factory that builds sessions from inbound invites and
// outbound dial requests.
package dispatch

import "github.com/sebas/callkit/internal/callkit/voip"

// Action identifies a call-control command.
type Action string

const (
	ActionSendDigits        Action = "send-digits"
	ActionCancelInvite      Action = "cancel-invite"
	ActionAnswer            Action = "answer"
	ActionHangup            Action = "hangup"
	ActionPlaceOutgoingCall Action = "place-outgoing-call"
	ActionToggleSpeaker     Action = "toggle-speaker"
	ActionToggleBluetooth   Action = "toggle-bluetooth"
	ActionToggleHold        Action = "toggle-hold"
	ActionToggleMute        Action = "toggle-mute"
	ActionIncomingCall      Action = "incoming-call"
)

// Command is one externally issued call-control request. CallID is optional
// for commands that can resolve their target implicitly; the remaining
// fields are action-specific.
type Command struct {
	Action Action `json:"action"`

	// CallID explicitly targets a session. When empty, the router resolves
	// the target from session state.
	CallID string `json:"call_id,omitempty"`

	// ActionSendDigits.
	Digits string `json:"digits,omitempty"`

	// ActionCancelInvite.
	CancelledCallID string `json:"cancelled_call_id,omitempty"`

	// ActionPlaceOutgoingCall.
	Token  string            `json:"token,omitempty"`
	To     string            `json:"to,omitempty"`
	From   string            `json:"from,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	// Toggle states.
	SpeakerOn   bool `json:"speaker_on,omitempty"`
	BluetoothOn bool `json:"bluetooth_on,omitempty"`
	HoldOn      bool `json:"hold_on,omitempty"`
	MuteOn      bool `json:"mute_on,omitempty"`

	// ActionIncomingCall.
	Invite *voip.Invite `json:"invite,omitempty"`
}
