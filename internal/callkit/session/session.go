// Package session implements the call session state machine and the
// registry of live sessions keyed by call ID.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sebas/callkit/internal/callkit/voip"
)

// Emitter publishes lifecycle events for a call. Fire-and-forget: the session
// never blocks on or fails because of event delivery.
type Emitter interface {
	Emit(name, callID string, attrs map[string]string)
}

// Session is a single call's state machine. It tracks lifecycle state and
// audio-route flags, forwards operations to the SDK call handle, and funnels
// asynchronous SDK updates through the same mutex as direct commands.
//
// There are two variants, distinguished by Direction: inbound sessions are
// built from an invite and can accept or reject it; outbound sessions are
// built at dial time and adopt the SDK-assigned call ID once known.
type Session struct {
	mu sync.Mutex

	callID    string
	direction Direction

	state          State
	createdAt      time.Time
	stateChangedAt time.Time

	peerAddress string
	displayName string

	muted       bool
	onHold      bool
	speakerOn   bool
	bluetoothOn bool

	// SDK layer. client is only set for inbound sessions (invite operations);
	// call is bound at accept/dial time and owned by the SDK.
	client voip.Client
	call   voip.Call
	invite *voip.Invite

	cause DisconnectCause

	events Emitter

	// onDisconnect runs exactly once, on the transition to Disconnected.
	// Must be set before the session is registered.
	onDisconnect   func(*Session)
	disconnectOnce sync.Once
}

// NewInbound creates a session for a received call invitation. The session
// starts in Created; the factory moves it to Ringing via HandleUpdate.
func NewInbound(client voip.Client, invite *voip.Invite, displayName string, events Emitter) *Session {
	now := time.Now()
	return &Session{
		callID:         invite.CallID,
		direction:      DirectionInbound,
		state:          StateCreated,
		createdAt:      now,
		stateChangedAt: now,
		peerAddress:    invite.From,
		displayName:    displayName,
		client:         client,
		invite:         invite,
		events:         events,
	}
}

// NewOutbound creates a session for a call being placed. localTag is a
// provisional identifier; the final SDK call ID is adopted once the SDK
// reports ringing or connected.
func NewOutbound(localTag, to, displayName string, events Emitter) *Session {
	now := time.Now()
	return &Session{
		callID:         localTag,
		direction:      DirectionOutbound,
		state:          StateCreated,
		createdAt:      now,
		stateChangedAt: now,
		peerAddress:    to,
		displayName:    displayName,
		events:         events,
	}
}

// SetOnDisconnect sets the one-shot disconnect hook. Not safe to call after
// the session is visible to other goroutines.
func (s *Session) SetOnDisconnect(fn func(*Session)) {
	s.onDisconnect = fn
}

// BindCall attaches the SDK call handle after dial.
func (s *Session) BindCall(call voip.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call = call
}

// AdoptCallID replaces the provisional outbound identifier with the
// SDK-assigned one. Empty IDs are ignored.
func (s *Session) AdoptCallID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		s.callID = id
	}
}

// CallID returns the session's current call identifier.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Direction returns whether the call is inbound or outbound.
func (s *Session) Direction() Direction {
	return s.direction
}

// IsTerminated returns true once the session reached Disconnected.
func (s *Session) IsTerminated() bool {
	return s.State().IsTerminal()
}

// Snapshot is a point-in-time copy of the session's observable state.
type Snapshot struct {
	CallID         string
	State          State
	Direction      Direction
	PeerAddress    string
	DisplayName    string
	Muted          bool
	OnHold         bool
	SpeakerOn      bool
	BluetoothOn    bool
	Cause          DisconnectCause
	CreatedAt      time.Time
	StateChangedAt time.Time
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CallID:         s.callID,
		State:          s.state,
		Direction:      s.direction,
		PeerAddress:    s.peerAddress,
		DisplayName:    s.displayName,
		Muted:          s.muted,
		OnHold:         s.onHold,
		SpeakerOn:      s.speakerOn,
		BluetoothOn:    s.bluetoothOn,
		Cause:          s.cause,
		CreatedAt:      s.createdAt,
		StateChangedAt: s.stateChangedAt,
	}
}

// AcceptInvite answers a ringing inbound call. The accept is forwarded to the
// SDK and returns immediately; the Active transition arrives later through
// HandleUpdate. Callers needing completion must observe the emitted events.
func (s *Session) AcceptInvite(ctx context.Context) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	if s.direction != DirectionInbound || s.invite == nil {
		s.mu.Unlock()
		return &InvalidStateError{Op: "accept", State: s.state}
	}
	if s.state != StateRinging {
		s.mu.Unlock()
		return &InvalidStateError{Op: "accept", State: s.state}
	}
	invite := s.invite
	client := s.client
	s.mu.Unlock()

	// The backend may deliver updates before Accept returns the handle.
	// Queue them until the handle is bound so a session never reaches
	// Active with no call attached.
	gate := newUpdateGate(s.HandleUpdate)

	call, err := client.Accept(ctx, invite, gate.observe)
	if err != nil {
		gate.open()
		return fmt.Errorf("accept invite: %w: %v", ErrSDKRejected, err)
	}

	s.mu.Lock()
	if s.state.IsTerminal() {
		// Lost a race with a cancel/disconnect; hang up the call the SDK
		// just handed us.
		s.mu.Unlock()
		gate.open()
		if herr := call.Hangup(context.Background()); herr != nil {
			slog.Warn("[Session] Hangup after late accept failed", "call_id", invite.CallID, "error", herr)
		}
		return ErrSessionTerminated
	}
	s.call = call
	s.emitLocked("answer-requested", nil)
	s.mu.Unlock()

	gate.open()
	return nil
}

// updateGate buffers SDK updates until open is called, then replays and
// forwards. Observing never blocks.
type updateGate struct {
	mu      sync.Mutex
	pending []voip.Update
	opened  bool
	deliver func(voip.Update)
}

func newUpdateGate(deliver func(voip.Update)) *updateGate {
	return &updateGate{deliver: deliver}
}

func (g *updateGate) observe(u voip.Update) {
	g.mu.Lock()
	if !g.opened {
		g.pending = append(g.pending, u)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.deliver(u)
}

func (g *updateGate) open() {
	g.mu.Lock()
	if g.opened {
		g.mu.Unlock()
		return
	}
	g.opened = true
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, u := range pending {
		g.deliver(u)
	}
}

// Reject declines a ringing inbound call and terminates the session.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	if s.direction != DirectionInbound || s.invite == nil || s.state != StateRinging {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "reject", State: st}
	}
	invite := s.invite
	client := s.client
	s.mu.Unlock()

	if err := client.Reject(ctx, invite); err != nil {
		slog.Warn("[Session] Reject failed", "call_id", invite.CallID, "error", err)
	}
	s.terminate(CauseRejected, nil)
	return nil
}

// OnAbort handles the caller withdrawing a ringing invite.
func (s *Session) OnAbort() error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	if s.state != StateRinging {
		st := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "abort", State: st}
	}
	s.mu.Unlock()

	s.terminate(CauseCanceled, nil)
	return nil
}

// Disconnect hangs up the call. Valid in any non-terminal state; a session
// already disconnected reports ErrSessionTerminated as a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	call := s.call
	if call == nil {
		// No SDK handle yet: an unanswered inbound invite is rejected,
		// anything else just terminates locally.
		if s.direction == DirectionInbound && s.invite != nil && s.state == StateRinging {
			s.mu.Unlock()
			return s.Reject(ctx)
		}
		s.mu.Unlock()
		s.terminate(CauseLocalHangup, nil)
		return nil
	}
	s.transitionLocked(StateDisconnecting)
	s.emitLocked("disconnect-requested", nil)
	s.mu.Unlock()

	if err := call.Hangup(ctx); err != nil {
		// Terminate anyway rather than leave the session stuck in
		// Disconnecting with no SDK callback coming.
		s.terminate(CauseLocalHangup, err)
		return fmt.Errorf("hangup: %w: %v", ErrSDKRejected, err)
	}
	return nil
}

// SendDigits forwards DTMF digits to the SDK. Valid in Active and OnHold;
// no state change.
func (s *Session) SendDigits(ctx context.Context, digits string) error {
	s.mu.Lock()
	call, err := s.requireLiveLocked("send digits")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := call.SendDigits(ctx, digits); err != nil {
		return fmt.Errorf("send digits: %w: %v", ErrSDKRejected, err)
	}

	s.mu.Lock()
	s.emitLocked("call-dtmf", map[string]string{"digits": digits})
	s.mu.Unlock()
	return nil
}

// SetMuted toggles the microphone mute flag. Setting the current value is a
// success no-op.
func (s *Session) SetMuted(on bool) error {
	s.mu.Lock()
	call, err := s.requireLiveLocked("toggle mute")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.muted == on {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := call.SetMuted(on); err != nil {
		return fmt.Errorf("toggle mute: %w: %v", ErrSDKRejected, err)
	}

	s.mu.Lock()
	s.muted = on
	s.emitLocked("call-mute", map[string]string{"muted": strconv.FormatBool(on)})
	s.mu.Unlock()
	return nil
}

// SetHold toggles hold, moving the session between Active and OnHold.
func (s *Session) SetHold(ctx context.Context, on bool) error {
	s.mu.Lock()
	call, err := s.requireLiveLocked("toggle hold")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.onHold == on {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := call.SetHold(ctx, on); err != nil {
		return fmt.Errorf("toggle hold: %w: %v", ErrSDKRejected, err)
	}

	s.mu.Lock()
	s.onHold = on
	if on {
		s.transitionLocked(StateOnHold)
	} else {
		s.transitionLocked(StateActive)
	}
	s.emitLocked("call-hold", map[string]string{"on_hold": strconv.FormatBool(on)})
	s.mu.Unlock()
	return nil
}

// SetSpeaker toggles speakerphone audio routing.
func (s *Session) SetSpeaker(on bool) error {
	return s.setRoute("toggle speaker", "call-speaker", func() { s.speakerOn = on }, func() bool {
		return s.speakerOn == on
	}, on)
}

// SetBluetooth toggles bluetooth audio routing.
func (s *Session) SetBluetooth(on bool) error {
	return s.setRoute("toggle bluetooth", "call-bluetooth", func() { s.bluetoothOn = on }, func() bool {
		return s.bluetoothOn == on
	}, on)
}

func (s *Session) setRoute(op, event string, apply func(), unchanged func() bool, on bool) error {
	s.mu.Lock()
	call, err := s.requireLiveLocked(op)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if unchanged() {
		s.mu.Unlock()
		return nil
	}
	apply()
	route := s.routeLocked()
	s.mu.Unlock()

	if err := call.SetAudioRoute(route); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrSDKRejected, err)
	}

	s.mu.Lock()
	s.emitLocked(event, map[string]string{"on": strconv.FormatBool(on), "route": route.String()})
	s.mu.Unlock()
	return nil
}

// routeLocked derives the audio route from the speaker/bluetooth flags.
// Bluetooth wins over speaker when both are requested.
func (s *Session) routeLocked() voip.AudioRoute {
	switch {
	case s.bluetoothOn:
		return voip.RouteBluetooth
	case s.speakerOn:
		return voip.RouteSpeaker
	default:
		return voip.RouteEarpiece
	}
}

// HandleUpdate processes an asynchronous SDK state notification. It is the
// single mutation path for SDK-originated transitions, taking the same lock
// as direct commands.
func (s *Session) HandleUpdate(u voip.Update) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}

	switch u.Kind {
	case voip.UpdateRinging:
		if s.state == StateCreated {
			s.transitionLocked(StateRinging)
			s.emitLocked("call-ringing", nil)
		}
		s.mu.Unlock()

	case voip.UpdateConnected:
		if s.state == StateCreated {
			// The SDK may report connected without a ringing notification.
			s.transitionLocked(StateRinging)
		}
		if s.state == StateRinging {
			s.transitionLocked(StateActive)
			s.emitLocked("call-connected", nil)
		}
		s.mu.Unlock()

	case voip.UpdateDisconnected:
		cause := CauseRemoteHangup
		if s.state == StateDisconnecting {
			cause = CauseLocalHangup
		}
		s.mu.Unlock()
		s.terminate(cause, nil)

	case voip.UpdateFailed:
		s.mu.Unlock()
		s.terminate(CauseError, u.Err)

	default:
		s.mu.Unlock()
		slog.Warn("[Session] Unknown update kind", "call_id", u.CallID, "kind", u.Kind)
	}
}

// terminate moves the session to Disconnected and fires the one-shot
// disconnect hook. Safe to call multiple times.
func (s *Session) terminate(cause DisconnectCause, cerr error) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.cause = cause
	s.transitionLocked(StateDisconnected)
	attrs := map[string]string{"cause": cause.String()}
	if cerr != nil {
		attrs["error"] = cerr.Error()
	}
	s.emitLocked("call-ended", attrs)
	s.mu.Unlock()

	s.disconnectOnce.Do(func() {
		if s.onDisconnect != nil {
			s.onDisconnect(s)
		}
	})
}

// requireLiveLocked validates the session is Active or OnHold with a bound
// call handle. Must hold s.mu.
func (s *Session) requireLiveLocked(op string) (voip.Call, error) {
	if s.state.IsTerminal() {
		return nil, ErrSessionTerminated
	}
	if s.state != StateActive && s.state != StateOnHold {
		return nil, &InvalidStateError{Op: op, State: s.state}
	}
	if s.call == nil {
		return nil, &InvalidStateError{Op: op, State: s.state}
	}
	return s.call, nil
}

// transitionLocked attempts a state transition, logging invalid ones.
// Must hold s.mu.
func (s *Session) transitionLocked(next State) bool {
	if !s.state.CanTransitionTo(next) {
		slog.Warn("[Session] Invalid state transition",
			"call_id", s.callID,
			"from", s.state.String(),
			"to", next.String(),
		)
		return false
	}
	s.state = next
	s.stateChangedAt = time.Now()
	return true
}

// emitLocked publishes an event while holding s.mu so events for the same
// call observe transition order.
func (s *Session) emitLocked(name string, attrs map[string]string) {
	if s.events == nil {
		return
	}
	s.events.Emit(name, s.callID, attrs)
}
