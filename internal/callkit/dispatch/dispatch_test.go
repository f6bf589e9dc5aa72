package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sebas/callkit/internal/callkit/session"
	"github.com/sebas/callkit/internal/callkit/telecom"
	"github.com/sebas/callkit/internal/callkit/voip"
)

// fakeCall records forwarded operations.
type fakeCall struct {
	mu      sync.Mutex
	id      string
	hangups int
	digits  []string
	muted   bool
	hold    bool
	route   voip.AudioRoute
}

func (c *fakeCall) ID() string { return c.id }

func (c *fakeCall) Hangup(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups++
	return nil
}

func (c *fakeCall) SendDigits(_ context.Context, digits string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digits = append(c.digits, digits)
	return nil
}

func (c *fakeCall) SetMuted(muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	return nil
}

func (c *fakeCall) SetHold(_ context.Context, hold bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = hold
	return nil
}

func (c *fakeCall) SetAudioRoute(route voip.AudioRoute) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route = route
	return nil
}

// fakeClient hands out fakeCalls and exposes the dial observer for tests
// to drive.
type fakeClient struct {
	mu       sync.Mutex
	rejected []string
	dialErr  error
	dialObs  voip.Observer
	dialCall *fakeCall
}

func (f *fakeClient) Dial(_ context.Context, opts voip.ConnectOptions, obs voip.Observer) (voip.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.dialObs = obs
	f.dialCall = &fakeCall{id: "sdk-" + opts.To}
	return f.dialCall, nil
}

func (f *fakeClient) Accept(_ context.Context, invite *voip.Invite, _ voip.Observer) (voip.Call, error) {
	return &fakeCall{id: invite.CallID}, nil
}

func (f *fakeClient) Reject(_ context.Context, invite *voip.Invite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, invite.CallID)
	return nil
}

func (f *fakeClient) observer() voip.Observer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialObs
}

// fakePlatform implements telecom.Platform with settable gates and direct
// loopback into the handler.
type fakePlatform struct {
	mu         sync.Mutex
	handler    telecom.ConnectionHandler
	permission bool
	registered bool
	registers  int
}

func (p *fakePlatform) HasCallPermission() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

func (p *fakePlatform) HasRegisteredAccount() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered
}

func (p *fakePlatform) RegisterAccount() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registers++
	p.registered = true
	return nil
}

func (p *fakePlatform) PlaceCallRequest(_ string, req telecom.ConnectionRequest) error {
	return p.handler.CreateOutgoingConnection(req)
}

func (p *fakePlatform) ReportIncomingCall(req telecom.ConnectionRequest) error {
	return p.handler.CreateIncomingConnection(req)
}

type fixture struct {
	registry *session.Registry
	client   *fakeClient
	platform *fakePlatform
	factory  *Factory
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := session.NewRegistry()
	t.Cleanup(registry.Close)

	client := &fakeClient{}
	platform := &fakePlatform{permission: true, registered: true}
	factory := NewFactory(client, registry, platform, nil, nil, nil)
	platform.handler = factory
	router := NewRouter(registry, platform, nil)

	return &fixture{
		registry: registry,
		client:   client,
		platform: platform,
		factory:  factory,
		router:   router,
	}
}

// ringInbound reports a new invite and returns the registered session.
func (f *fixture) ringInbound(t *testing.T, callID string) *session.Session {
	t.Helper()
	err := f.router.Dispatch(context.Background(), Command{
		Action: ActionIncomingCall,
		Invite: &voip.Invite{CallID: callID, From: "sip:alice@example.com"},
	})
	if err != nil {
		t.Fatalf("incoming call dispatch error = %v", err)
	}
	s, err := f.registry.Get(callID)
	if err != nil {
		t.Fatalf("session %s not registered: %v", callID, err)
	}
	if got := s.State(); got != session.StateRinging {
		t.Fatalf("state = %v, want Ringing", got)
	}
	return s
}

// activeInbound rings an invite and answers it.
func (f *fixture) activeInbound(t *testing.T, callID string) *session.Session {
	t.Helper()
	s := f.ringInbound(t, callID)
	if err := f.router.Dispatch(context.Background(), Command{Action: ActionAnswer}); err != nil {
		t.Fatalf("answer dispatch error = %v", err)
	}
	s.HandleUpdate(voip.Update{CallID: callID, Kind: voip.UpdateConnected})
	if got := s.State(); got != session.StateActive {
		t.Fatalf("state = %v, want Active", got)
	}
	return s
}

func TestAnswerTargetsFirstRinging(t *testing.T) {
	f := newFixture(t)
	_ = f.activeInbound(t, "call-active")
	ringing := f.ringInbound(t, "call-ringing")

	// No explicit target: the ringing session is picked, not the active one.
	if err := f.router.Dispatch(context.Background(), Command{Action: ActionAnswer}); err != nil {
		t.Fatalf("answer dispatch error = %v", err)
	}
	ringing.HandleUpdate(voip.Update{CallID: "call-ringing", Kind: voip.UpdateConnected})
	if got := ringing.State(); got != session.StateActive {
		t.Errorf("ringing session state = %v, want Active", got)
	}
}

func TestHangupTargetsFirstActive(t *testing.T) {
	f := newFixture(t)
	active := f.activeInbound(t, "call-active")
	ringing := f.ringInbound(t, "call-ringing")

	if err := f.router.Dispatch(context.Background(), Command{Action: ActionHangup}); err != nil {
		t.Fatalf("hangup dispatch error = %v", err)
	}
	if got := active.State(); got != session.StateDisconnecting {
		t.Errorf("active session state = %v, want Disconnecting", got)
	}
	if got := ringing.State(); got != session.StateRinging {
		t.Errorf("ringing session state = %v, want untouched Ringing", got)
	}
}

func TestHangupWithNoActiveSessionIsDropped(t *testing.T) {
	f := newFixture(t)
	_ = f.ringInbound(t, "call-ringing")

	err := f.router.Dispatch(context.Background(), Command{Action: ActionHangup})
	if !errors.Is(err, session.ErrTargetNotFound) {
		t.Errorf("hangup with no active = %v, want ErrTargetNotFound", err)
	}
}

func TestExplicitStaleCallID(t *testing.T) {
	f := newFixture(t)
	_ = f.activeInbound(t, "call-1")

	err := f.router.Dispatch(context.Background(), Command{
		Action: ActionHangup,
		CallID: "long-gone",
	})
	if !errors.Is(err, session.ErrTargetNotFound) {
		t.Errorf("stale explicit target = %v, want ErrTargetNotFound", err)
	}
}

func TestToggleCommands(t *testing.T) {
	f := newFixture(t)
	s := f.activeInbound(t, "call-1")
	ctx := context.Background()

	if err := f.router.Dispatch(ctx, Command{Action: ActionToggleMute, MuteOn: true}); err != nil {
		t.Fatalf("mute dispatch error = %v", err)
	}
	if err := f.router.Dispatch(ctx, Command{Action: ActionToggleSpeaker, SpeakerOn: true}); err != nil {
		t.Fatalf("speaker dispatch error = %v", err)
	}
	if err := f.router.Dispatch(ctx, Command{Action: ActionToggleHold, HoldOn: true}); err != nil {
		t.Fatalf("hold dispatch error = %v", err)
	}

	snap := s.Snapshot()
	if !snap.Muted {
		t.Error("Muted = false, want true")
	}
	if !snap.SpeakerOn {
		t.Error("SpeakerOn = false, want true")
	}
	if snap.State != session.StateOnHold {
		t.Errorf("state = %v, want OnHold", snap.State)
	}

	// A held session is no longer an implicit target; explicit IDs still work.
	if err := f.router.Dispatch(ctx, Command{Action: ActionToggleHold, CallID: "call-1"}); err != nil {
		t.Fatalf("resume dispatch error = %v", err)
	}
	if got := s.State(); got != session.StateActive {
		t.Errorf("state after resume = %v, want Active", got)
	}
}

func TestSendDigitsRequiresDigits(t *testing.T) {
	f := newFixture(t)
	_ = f.activeInbound(t, "call-1")

	err := f.router.Dispatch(context.Background(), Command{Action: ActionSendDigits})
	var missing *session.MissingParameterError
	if !errors.As(err, &missing) || missing.Name != "digits" {
		t.Errorf("SendDigits without digits = %v, want MissingParameterError(digits)", err)
	}

	if err := f.router.Dispatch(context.Background(), Command{
		Action: ActionSendDigits,
		Digits: "42#",
	}); err != nil {
		t.Errorf("SendDigits dispatch error = %v", err)
	}
}

func TestCancelInvite(t *testing.T) {
	f := newFixture(t)
	s := f.ringInbound(t, "call-1")

	err := f.router.Dispatch(context.Background(), Command{
		Action:          ActionCancelInvite,
		CancelledCallID: "call-1",
	})
	if err != nil {
		t.Fatalf("cancel dispatch error = %v", err)
	}
	snap := s.Snapshot()
	if snap.State != session.StateDisconnected || snap.Cause != session.CauseCanceled {
		t.Errorf("snapshot = %v/%v, want Disconnected/canceled", snap.State, snap.Cause)
	}
}

func TestCancelUnknownInviteReportsNotFound(t *testing.T) {
	f := newFixture(t)

	err := f.router.Dispatch(context.Background(), Command{
		Action:          ActionCancelInvite,
		CancelledCallID: "never-seen",
	})
	if !errors.Is(err, session.ErrTargetNotFound) {
		t.Errorf("cancel for unknown invite = %v, want ErrTargetNotFound", err)
	}
}

func TestPlaceOutgoingCallValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		cmd     Command
		missing string
	}{
		{"no token", Command{Action: ActionPlaceOutgoingCall, To: "bob", From: "alice"}, "token"},
		{"no to", Command{Action: ActionPlaceOutgoingCall, Token: "t", From: "alice"}, "to"},
		{"no from", Command{Action: ActionPlaceOutgoingCall, Token: "t", To: "bob"}, "from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.router.Dispatch(ctx, tt.cmd)
			var missing *session.MissingParameterError
			if !errors.As(err, &missing) || missing.Name != tt.missing {
				t.Errorf("Dispatch() = %v, want MissingParameterError(%s)", err, tt.missing)
			}
		})
	}
}

func TestPlaceOutgoingCallPermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.platform.mu.Lock()
	f.platform.permission = false
	f.platform.mu.Unlock()

	err := f.router.Dispatch(context.Background(), Command{
		Action: ActionPlaceOutgoingCall,
		Token:  "t", To: "bob", From: "alice",
	})
	if !errors.Is(err, session.ErrPermissionDenied) {
		t.Errorf("Dispatch() = %v, want ErrPermissionDenied", err)
	}
}

func TestPlaceOutgoingCallRegistersAccountFirst(t *testing.T) {
	f := newFixture(t)
	f.platform.mu.Lock()
	f.platform.registered = false
	f.platform.mu.Unlock()

	err := f.router.Dispatch(context.Background(), Command{
		Action: ActionPlaceOutgoingCall,
		Token:  "t", To: "bob", From: "alice",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	f.platform.mu.Lock()
	defer f.platform.mu.Unlock()
	if f.platform.registers != 1 {
		t.Errorf("registers = %d, want 1", f.platform.registers)
	}
}

func TestIncomingCallRequiresInvite(t *testing.T) {
	f := newFixture(t)

	err := f.router.Dispatch(context.Background(), Command{Action: ActionIncomingCall})
	if !errors.Is(err, session.ErrMissingInvite) {
		t.Errorf("Dispatch() = %v, want ErrMissingInvite", err)
	}
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)

	if err := f.router.Dispatch(context.Background(), Command{Action: "frobnicate"}); err == nil {
		t.Error("Dispatch(unknown action) = nil, want error")
	}
}

// --- Factory ---

func TestIncomingConnectionRejectedWithoutPermission(t *testing.T) {
	f := newFixture(t)
	f.platform.mu.Lock()
	f.platform.permission = false
	f.platform.mu.Unlock()

	err := f.factory.CreateIncomingConnection(telecom.ConnectionRequest{
		Invite: &voip.Invite{CallID: "call-1", From: "sip:alice@example.com"},
	})
	if !errors.Is(err, session.ErrPermissionDenied) {
		t.Fatalf("CreateIncomingConnection() = %v, want ErrPermissionDenied", err)
	}

	// The caller must hear a rejection, and no session may linger.
	f.client.mu.Lock()
	rejected := len(f.client.rejected)
	f.client.mu.Unlock()
	if rejected != 1 {
		t.Errorf("rejected invites = %d, want 1", rejected)
	}
	if !f.registry.IsEmpty() {
		t.Error("registry not empty after rejected invite")
	}
}

func TestIncomingConnectionDuplicateCallID(t *testing.T) {
	f := newFixture(t)
	_ = f.ringInbound(t, "call-1")

	err := f.factory.CreateIncomingConnection(telecom.ConnectionRequest{
		Invite: &voip.Invite{CallID: "call-1"},
	})
	if !errors.Is(err, session.ErrDuplicateSession) {
		t.Errorf("duplicate invite = %v, want ErrDuplicateSession", err)
	}
	if got := f.registry.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestOutgoingConnectionDeferredRegistration(t *testing.T) {
	f := newFixture(t)

	err := f.router.Dispatch(context.Background(), Command{
		Action: ActionPlaceOutgoingCall,
		Token:  "t", To: "bob", From: "alice",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	// Dial succeeded but the SDK has not reported progress: nothing in the
	// registry yet.
	if !f.registry.IsEmpty() {
		t.Fatal("registry not empty before SDK progress")
	}

	obs := f.client.observer()
	if obs == nil {
		t.Fatal("dial observer not captured")
	}
	obs(voip.Update{CallID: "sdk-bob", Kind: voip.UpdateRinging})

	s, err := f.registry.Get("sdk-bob")
	if err != nil {
		t.Fatalf("session not registered under SDK call ID: %v", err)
	}
	if got := s.State(); got != session.StateRinging {
		t.Errorf("state = %v, want Ringing", got)
	}
	if got := s.Direction(); got != session.DirectionOutbound {
		t.Errorf("direction = %v, want outbound", got)
	}

	// A second progress update must not register twice.
	obs(voip.Update{CallID: "sdk-bob", Kind: voip.UpdateConnected})
	if got := f.registry.Len(); got != 1 {
		t.Errorf("Len() = %d after connected, want 1", got)
	}
	if got := s.State(); got != session.StateActive {
		t.Errorf("state = %v, want Active", got)
	}
}

func TestOutgoingConnectionFailedDialLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.client.mu.Lock()
	f.client.dialErr = fmt.Errorf("network unreachable")
	f.client.mu.Unlock()

	err := f.router.Dispatch(context.Background(), Command{
		Action: ActionPlaceOutgoingCall,
		Token:  "t", To: "bob", From: "alice",
	})
	if err == nil {
		t.Fatal("Dispatch() = nil, want dial error")
	}
	if !f.registry.IsEmpty() {
		t.Error("registry not empty after failed dial")
	}
}

func TestSessionRemovedOnDisconnect(t *testing.T) {
	f := newFixture(t)
	s := f.activeInbound(t, "call-1")

	s.HandleUpdate(voip.Update{CallID: "call-1", Kind: voip.UpdateDisconnected})

	if !f.registry.IsEmpty() {
		t.Error("registry not empty after disconnect")
	}
}

func TestConcurrentCommandAndDisconnect(t *testing.T) {
	f := newFixture(t)
	s := f.activeInbound(t, "call-1")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// May hit ErrTargetNotFound or ErrSessionTerminated depending on
		// timing; both mean the command was dropped safely.
		_ = f.router.Dispatch(context.Background(), Command{Action: ActionToggleMute, MuteOn: true})
	}()
	go func() {
		defer wg.Done()
		s.HandleUpdate(voip.Update{CallID: "call-1", Kind: voip.UpdateDisconnected})
	}()
	wg.Wait()

	if got := s.State(); got != session.StateDisconnected {
		t.Errorf("final state = %v, want Disconnected", got)
	}
}
