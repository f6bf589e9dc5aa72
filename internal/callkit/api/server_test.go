package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	types "github.com/sebas/callkit/api/types/v1"
	"github.com/sebas/callkit/internal/callkit/dispatch"
	"github.com/sebas/callkit/internal/callkit/session"
	"github.com/sebas/callkit/internal/callkit/voip"
)

type fakeDispatcher struct {
	err  error
	cmds []dispatch.Command
}

func (d *fakeDispatcher) Dispatch(_ context.Context, cmd dispatch.Command) error {
	d.cmds = append(d.cmds, cmd)
	return d.err
}

type fakeSessions struct {
	sessions map[string]*session.Session
}

func (f *fakeSessions) Get(callID string) (*session.Session, error) {
	s, ok := f.sessions[callID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) ForEach(fn func(*session.Session) bool) {
	for _, s := range f.sessions {
		if !fn(s) {
			return
		}
	}
}

func (f *fakeSessions) Len() int { return len(f.sessions) }

func newTestServer(dispatcher *fakeDispatcher, sessions *fakeSessions) *Server {
	if sessions == nil {
		sessions = &fakeSessions{sessions: map[string]*session.Session{}}
	}
	return NewServer("127.0.0.1:0", dispatcher, sessions)
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeDispatcher{}, nil)

	rec := doRequest(s, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp types.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestCommandAccepted(t *testing.T) {
	d := &fakeDispatcher{}
	s := newTestServer(d, nil)

	rec := doRequest(s, http.MethodPost, "/api/v1/commands", `{"action":"hangup","call_id":"call-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(d.cmds) != 1 {
		t.Fatalf("dispatched %d commands, want 1", len(d.cmds))
	}
	if d.cmds[0].Action != dispatch.ActionHangup || d.cmds[0].CallID != "call-1" {
		t.Errorf("dispatched command = %+v", d.cmds[0])
	}

	var resp types.CommandResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Accepted {
		t.Error("Accepted = false, want true")
	}
}

func TestCommandValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", "{not json", http.StatusBadRequest},
		{"missing action", `{"call_id":"call-1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeDispatcher{}, nil)
			rec := doRequest(s, http.MethodPost, "/api/v1/commands", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no target", session.ErrTargetNotFound, http.StatusNotFound},
		{"permission denied", session.ErrPermissionDenied, http.StatusForbidden},
		{"terminated", session.ErrSessionTerminated, http.StatusConflict},
		{"wrong state", session.ErrInvalidState, http.StatusConflict},
		{"missing parameter", &session.MissingParameterError{Name: "digits"}, http.StatusBadRequest},
		{"missing invite", session.ErrMissingInvite, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeDispatcher{err: tt.err}, nil)
			rec := doRequest(s, http.MethodPost, "/api/v1/commands", `{"action":"answer"}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}

			var resp types.CommandResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Accepted || resp.Error == "" {
				t.Errorf("response = %+v, want rejected with error text", resp)
			}
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	sess := session.NewInbound(nil, &voip.Invite{
		CallID: "call-1",
		From:   "sip:alice@example.com",
	}, "Alice", nil)
	sess.HandleUpdate(voip.Update{CallID: "call-1", Kind: voip.UpdateRinging})

	provider := &fakeSessions{sessions: map[string]*session.Session{"call-1": sess}}
	s := newTestServer(&fakeDispatcher{}, provider)

	rec := doRequest(s, http.MethodGet, "/api/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var list []types.SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].CallID != "call-1" {
		t.Fatalf("list = %+v, want one entry for call-1", list)
	}
	if list[0].State != "Ringing" || list[0].Direction != "inbound" {
		t.Errorf("entry = %s/%s, want Ringing/inbound", list[0].State, list[0].Direction)
	}
	if list[0].Cause != "" {
		t.Errorf("Cause = %q on a live session, want empty", list[0].Cause)
	}

	rec = doRequest(s, http.MethodGet, "/api/v1/sessions/call-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var info types.SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want Alice", info.DisplayName)
	}

	rec = doRequest(s, http.MethodGet, "/api/v1/sessions/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", rec.Code)
	}
}

type staticDrops int

func (d staticDrops) DroppedCount() int { return int(d) }

func TestStatsCountsDrops(t *testing.T) {
	s := newTestServer(&fakeDispatcher{}, nil)
	s.SetDropCounter(staticDrops(1))
	s.RecordEventDrop()

	rec := doRequest(s, http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp types.StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EventsDropped != 2 {
		t.Errorf("EventsDropped = %d, want 2", resp.EventsDropped)
	}
	if resp.ActiveSessions != 0 {
		t.Errorf("ActiveSessions = %d, want 0", resp.ActiveSessions)
	}
}
