package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sebas/callkit/internal/callkit/prefs"
	"github.com/sebas/callkit/internal/callkit/session"
	"github.com/sebas/callkit/internal/callkit/telecom"
	"github.com/sebas/callkit/internal/callkit/voip"
)

// Factory builds sessions from platform connection requests. Inbound
// sessions register at invite time; outbound ones register only once the
// SDK confirms the call is ringing or connected.
type Factory struct {
	client   voip.Client
	registry *session.Registry
	platform telecom.Platform
	names    prefs.Resolver
	events   session.Emitter
	log      *slog.Logger
}

// NewFactory wires a connection factory. events may be nil for tests.
func NewFactory(client voip.Client, reg *session.Registry, platform telecom.Platform, names prefs.Resolver, events session.Emitter, log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		client:   client,
		registry: reg,
		platform: platform,
		names:    names,
		events:   events,
		log:      log,
	}
}

// CreateIncomingConnection registers a ringing inbound session for the
// invite. When the call permission or account registration is missing the
// invite is rejected at the SDK so the caller hears a busy signal instead
// of dead air.
func (f *Factory) CreateIncomingConnection(req telecom.ConnectionRequest) error {
	inv := req.Invite
	if inv == nil {
		return session.ErrMissingInvite
	}
	if !f.platform.HasCallPermission() || !f.platform.HasRegisteredAccount() {
		f.log.Warn("rejecting invite, telecom not ready",
			slog.String("call_id", inv.CallID),
			slog.Bool("permission", f.platform.HasCallPermission()))
		if err := f.client.Reject(context.Background(), inv); err != nil {
			f.log.Warn("invite reject failed", slog.String("error", err.Error()))
		}
		return session.ErrPermissionDenied
	}

	name := inv.From
	if f.names != nil {
		name = f.names.ResolveDisplayName(inv.From)
	}
	s := session.NewInbound(f.client, inv, name, f.events)
	s.SetOnDisconnect(f.onSessionDisconnect)

	if err := f.registry.Put(s); err != nil {
		return fmt.Errorf("register inbound %s: %w", inv.CallID, err)
	}
	if f.events != nil {
		attrs := map[string]string{
			"from":         inv.From,
			"to":           inv.To,
			"display_name": name,
		}
		if subject, ok := inv.CustomParameters["subject"]; ok {
			attrs["subject"] = subject
		}
		f.events.Emit("call-incoming", inv.CallID, attrs)
	}
	s.HandleUpdate(voip.Update{CallID: inv.CallID, Kind: voip.UpdateRinging})
	return nil
}

// CreateOutgoingConnection dials the SDK and defers registry insertion
// until the SDK reports progress. A dial that fails before ringing leaves
// no trace in the registry.
func (f *Factory) CreateOutgoingConnection(req telecom.ConnectionRequest) error {
	localTag := uuid.New().String()
	name := req.To
	if f.names != nil {
		name = f.names.ResolveDisplayName(req.To)
	}
	s := session.NewOutbound(localTag, req.To, name, f.events)
	s.SetOnDisconnect(f.onSessionDisconnect)

	var registerOnce sync.Once
	observer := func(u voip.Update) {
		if u.Kind == voip.UpdateRinging || u.Kind == voip.UpdateConnected {
			registerOnce.Do(func() {
				s.AdoptCallID(u.CallID)
				if err := f.registry.Put(s); err != nil {
					f.log.Warn("outbound registration failed",
						slog.String("call_id", u.CallID),
						slog.String("error", err.Error()))
				}
			})
		}
		s.HandleUpdate(u)
	}

	// The SDK owns the dial timeout and reports the outcome through the
	// observer; the context only covers the send itself.
	call, err := f.client.Dial(context.Background(), voip.ConnectOptions{
		Token:  req.Token,
		To:     req.To,
		From:   req.From,
		Params: req.Params,
	}, observer)
	if err != nil {
		return fmt.Errorf("dial %s: %w", req.To, err)
	}
	s.BindCall(call)
	return nil
}

// onSessionDisconnect detaches terminated sessions. Removal is idempotent;
// the TTL backstop catches anything that slips past it.
func (f *Factory) onSessionDisconnect(s *session.Session) {
	f.registry.Remove(s.CallID())
}
