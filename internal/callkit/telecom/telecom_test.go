package telecom

import (
	"testing"

	"github.com/sebas/callkit/internal/callkit/voip"
)

type recordingHandler struct {
	incoming []ConnectionRequest
	outgoing []ConnectionRequest
}

func (h *recordingHandler) CreateIncomingConnection(req ConnectionRequest) error {
	h.incoming = append(h.incoming, req)
	return nil
}

func (h *recordingHandler) CreateOutgoingConnection(req ConnectionRequest) error {
	h.outgoing = append(h.outgoing, req)
	return nil
}

func TestLocalLoopback(t *testing.T) {
	l := NewLocal()
	h := &recordingHandler{}
	l.SetHandler(h)

	if err := l.ReportIncomingCall(ConnectionRequest{Invite: &voip.Invite{CallID: "call-1"}}); err != nil {
		t.Fatalf("ReportIncomingCall() error = %v", err)
	}
	if err := l.PlaceCallRequest("bob", ConnectionRequest{Token: "t", To: "bob"}); err != nil {
		t.Fatalf("PlaceCallRequest() error = %v", err)
	}

	if len(h.incoming) != 1 || h.incoming[0].Invite.CallID != "call-1" {
		t.Errorf("incoming = %+v, want one request for call-1", h.incoming)
	}
	if len(h.outgoing) != 1 || h.outgoing[0].To != "bob" {
		t.Errorf("outgoing = %+v, want one request to bob", h.outgoing)
	}
}

func TestLocalWithoutHandler(t *testing.T) {
	l := NewLocal()
	if err := l.ReportIncomingCall(ConnectionRequest{}); err == nil {
		t.Error("ReportIncomingCall() = nil, want error without handler")
	}
	if err := l.PlaceCallRequest("bob", ConnectionRequest{}); err == nil {
		t.Error("PlaceCallRequest() = nil, want error without handler")
	}
}

func TestAccountRegistration(t *testing.T) {
	l := NewLocal()
	if !l.HasCallPermission() {
		t.Error("HasCallPermission() = false, want granted by default")
	}
	if l.HasRegisteredAccount() {
		t.Error("HasRegisteredAccount() = true before registration")
	}
	if err := l.RegisterAccount(); err != nil {
		t.Fatalf("RegisterAccount() error = %v", err)
	}
	if !l.HasRegisteredAccount() {
		t.Error("HasRegisteredAccount() = false after registration")
	}

	l.SetCallPermission(false)
	if l.HasCallPermission() {
		t.Error("HasCallPermission() = true after revoke")
	}
}
