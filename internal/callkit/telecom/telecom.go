// Package telecom abstracts the native telephony integration: account
// registration, call permissions, and the round trip that turns a
// place-call or report-incoming request into a connection-creation request.
package telecom

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sebas/callkit/internal/callkit/voip"
)

// ConnectionRequest carries the parameters of a connection-creation request
// delivered back by the platform.
type ConnectionRequest struct {
	// Invite is set for inbound requests.
	Invite *voip.Invite

	// Outbound parameters.
	Token  string
	To     string
	From   string
	Params map[string]string
}

// ConnectionHandler receives connection-creation requests from the platform.
// Implemented by the dispatch factory.
type ConnectionHandler interface {
	CreateIncomingConnection(req ConnectionRequest) error
	CreateOutgoingConnection(req ConnectionRequest) error
}

// Platform is the telephony account capability consumed by the router.
type Platform interface {
	HasCallPermission() bool
	HasRegisteredAccount() bool
	RegisterAccount() error

	// PlaceCallRequest asks the platform to create an outgoing connection.
	// The platform delivers the request back through its ConnectionHandler.
	PlaceCallRequest(address string, req ConnectionRequest) error

	// ReportIncomingCall announces an inbound invite to the platform, which
	// delivers it back through its ConnectionHandler.
	ReportIncomingCall(req ConnectionRequest) error
}

// Local is an in-process Platform: requests loop straight back into the
// handler, and account state is a flag. It stands in for the real device
// telephony service in tests and headless deployments.
type Local struct {
	mu         sync.RWMutex
	handler    ConnectionHandler
	registered bool
	permission bool
}

// NewLocal creates a local platform. Call permission is granted by default.
func NewLocal() *Local {
	return &Local{permission: true}
}

// SetHandler wires the connection handler. Must be set before requests flow.
func (l *Local) SetHandler(h ConnectionHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// SetCallPermission overrides the permission flag, for tests.
func (l *Local) SetCallPermission(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.permission = ok
}

func (l *Local) HasCallPermission() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.permission
}

func (l *Local) HasRegisteredAccount() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registered
}

func (l *Local) RegisterAccount() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered = true
	slog.Info("[Telecom] Account registered")
	return nil
}

func (l *Local) PlaceCallRequest(address string, req ConnectionRequest) error {
	h := l.currentHandler()
	if h == nil {
		return errors.New("no connection handler registered")
	}
	slog.Debug("[Telecom] Placing outgoing call", "address", address)
	return h.CreateOutgoingConnection(req)
}

func (l *Local) ReportIncomingCall(req ConnectionRequest) error {
	h := l.currentHandler()
	if h == nil {
		return errors.New("no connection handler registered")
	}
	return h.CreateIncomingConnection(req)
}

func (l *Local) currentHandler() ConnectionHandler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handler
}
