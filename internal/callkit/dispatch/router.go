package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sebas/callkit/internal/callkit/session"
	"github.com/sebas/callkit/internal/callkit/telecom"
)

// TargetPolicy resolves the session a command should act on when no
// explicit call ID was given. want is the state the command expects its
// target to be in.
type TargetPolicy func(reg *session.Registry, want session.State) (*session.Session, error)

// FirstInState is the default policy: any session currently in the wanted
// state, with no ordering guarantee between candidates.
func FirstInState(reg *session.Registry, want session.State) (*session.Session, error) {
	return reg.FirstMatching(func(s *session.Session) bool {
		return s.State() == want
	})
}

// Router dispatches commands to sessions. Commands that create sessions
// are forwarded to the platform layer, which calls back into the
// connection factory.
type Router struct {
	registry *session.Registry
	platform telecom.Platform
	policy   TargetPolicy
	log      *slog.Logger
}

// NewRouter builds a router using the default target policy.
func NewRouter(reg *session.Registry, platform telecom.Platform, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		registry: reg,
		platform: platform,
		policy:   FirstInState,
		log:      log,
	}
}

// SetTargetPolicy replaces the implicit target resolution policy. Must be
// called before the router starts receiving commands.
func (r *Router) SetTargetPolicy(p TargetPolicy) {
	if p != nil {
		r.policy = p
	}
}

// Dispatch executes one command. Errors are logged and returned to the
// caller; a failed command never affects other sessions.
func (r *Router) Dispatch(ctx context.Context, cmd Command) error {
	err := r.dispatch(ctx, cmd)
	if err != nil {
		r.log.Warn("command failed",
			slog.String("action", string(cmd.Action)),
			slog.String("call_id", cmd.CallID),
			slog.String("error", err.Error()))
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Action {
	case ActionSendDigits:
		if cmd.Digits == "" {
			return &session.MissingParameterError{Name: "digits"}
		}
		s, err := r.target(cmd.CallID, session.StateActive)
		if err != nil {
			return err
		}
		return s.SendDigits(ctx, cmd.Digits)

	case ActionCancelInvite:
		id := cmd.CancelledCallID
		if id == "" {
			id = cmd.CallID
		}
		if id == "" {
			return &session.MissingParameterError{Name: "cancelled_call_id"}
		}
		s, err := r.registry.Get(id)
		if err != nil {
			// Nothing to cancel; report it so the caller can tell this
			// apart from a completed cancel.
			return fmt.Errorf("%w: %s", session.ErrTargetNotFound, id)
		}
		return s.OnAbort()

	case ActionAnswer:
		s, err := r.target(cmd.CallID, session.StateRinging)
		if err != nil {
			return err
		}
		return s.AcceptInvite(ctx)

	case ActionHangup:
		s, err := r.target(cmd.CallID, session.StateActive)
		if err != nil {
			return err
		}
		return s.Disconnect(ctx)

	case ActionToggleMute:
		s, err := r.target(cmd.CallID, session.StateActive)
		if err != nil {
			return err
		}
		return s.SetMuted(cmd.MuteOn)

	case ActionToggleHold:
		s, err := r.target(cmd.CallID, session.StateActive)
		if err != nil {
			return err
		}
		return s.SetHold(ctx, cmd.HoldOn)

	case ActionToggleSpeaker:
		s, err := r.target(cmd.CallID, session.StateActive)
		if err != nil {
			return err
		}
		return s.SetSpeaker(cmd.SpeakerOn)

	case ActionToggleBluetooth:
		s, err := r.target(cmd.CallID, session.StateActive)
		if err != nil {
			return err
		}
		return s.SetBluetooth(cmd.BluetoothOn)

	case ActionPlaceOutgoingCall:
		return r.placeOutgoing(cmd)

	case ActionIncomingCall:
		if cmd.Invite == nil {
			return session.ErrMissingInvite
		}
		return r.platform.ReportIncomingCall(telecom.ConnectionRequest{Invite: cmd.Invite})

	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// target resolves the session a command acts on. An explicit call ID always
// wins; otherwise the policy picks a session in the wanted state. A stale
// explicit ID and an empty candidate set both surface as ErrTargetNotFound
// so callers can drop the command.
func (r *Router) target(callID string, want session.State) (*session.Session, error) {
	if callID != "" {
		s, err := r.registry.Get(callID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", session.ErrTargetNotFound, callID)
		}
		return s, nil
	}
	s, err := r.policy(r.registry, want)
	if err != nil {
		return nil, fmt.Errorf("%w: no session in state %s", session.ErrTargetNotFound, want)
	}
	return s, nil
}

func (r *Router) placeOutgoing(cmd Command) error {
	if cmd.Token == "" {
		return &session.MissingParameterError{Name: "token"}
	}
	if cmd.To == "" {
		return &session.MissingParameterError{Name: "to"}
	}
	if cmd.From == "" {
		return &session.MissingParameterError{Name: "from"}
	}
	if !r.platform.HasCallPermission() {
		return session.ErrPermissionDenied
	}
	if !r.platform.HasRegisteredAccount() {
		if err := r.platform.RegisterAccount(); err != nil {
			return fmt.Errorf("register account: %w", err)
		}
	}
	return r.platform.PlaceCallRequest(cmd.To, telecom.ConnectionRequest{
		Token:  cmd.Token,
		To:     cmd.To,
		From:   cmd.From,
		Params: cmd.Params,
	})
}
