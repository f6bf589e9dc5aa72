// Package api exposes the HTTP control surface: command submission and
// session inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	types "github.com/sebas/callkit/api/types/v1"
	"github.com/sebas/callkit/internal/callkit/dispatch"
	"github.com/sebas/callkit/internal/callkit/session"
)

// Dispatcher executes call-control commands. Implemented by dispatch.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd dispatch.Command) error
}

// SessionProvider exposes tracked sessions for inspection. Implemented by
// session.Registry.
type SessionProvider interface {
	Get(callID string) (*session.Session, error)
	ForEach(fn func(*session.Session) bool)
	Len() int
}

// DropCounter reports how many events a publisher has discarded.
// Implemented by events.ChanPublisher.
type DropCounter interface {
	DroppedCount() int
}

// Server provides the HTTP API for the callkit daemon.
type Server struct {
	addr       string
	httpServer *http.Server
	dispatcher Dispatcher
	sessions   SessionProvider
	startTime  time.Time

	statsMu       sync.Mutex
	eventsDropped int
	drops         DropCounter
}

// NewServer creates a new API server.
func NewServer(addr string, dispatcher Dispatcher, sessions SessionProvider) *Server {
	s := &Server{
		addr:       addr,
		dispatcher: dispatcher,
		sessions:   sessions,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	mux.HandleFunc("/api/v1/commands", s.handleCommands)

	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionByID)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
			panic(err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// RecordEventDrop counts dropped events for the stats endpoint.
func (s *Server) RecordEventDrop() {
	s.statsMu.Lock()
	s.eventsDropped++
	s.statsMu.Unlock()
}

// SetDropCounter attaches a publisher drop counter to the stats endpoint.
// Must be called before Start.
func (s *Server) SetDropCounter(c DropCounter) {
	s.drops = c
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	s.writeJSON(w, types.HealthResponse{
		Status: "ok",
		Uptime: int64(uptime),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.statsMu.Lock()
	dropped := s.eventsDropped
	s.statsMu.Unlock()
	if s.drops != nil {
		dropped += s.drops.DroppedCount()
	}

	s.writeJSON(w, types.StatsResponse{
		ActiveSessions: s.sessions.Len(),
		EventsDropped:  dropped,
	})
}

// --- Commands ---

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd dispatch.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid command body", http.StatusBadRequest)
		return
	}
	if cmd.Action == "" {
		http.Error(w, "Action required", http.StatusBadRequest)
		return
	}

	// The command may trigger SDK signaling; don't tie it to the request
	// context, which dies when the response is written.
	if err := s.dispatcher.Dispatch(context.Background(), cmd); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(commandStatus(err))
		_ = json.NewEncoder(w).Encode(types.CommandResponse{
			Accepted: false,
			Error:    err.Error(),
		})
		return
	}

	s.writeJSON(w, types.CommandResponse{Accepted: true})
}

// commandStatus maps dispatch errors onto HTTP status codes.
func commandStatus(err error) int {
	var missing *session.MissingParameterError
	switch {
	case errors.Is(err, session.ErrTargetNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrSessionTerminated), errors.Is(err, session.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.As(err, &missing), errors.Is(err, session.ErrMissingInvite):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// --- Sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := make([]types.SessionInfo, 0)
	s.sessions.ForEach(func(sess *session.Session) bool {
		infos = append(infos, toSessionInfo(sess.Snapshot()))
		return true
	})
	s.writeJSON(w, infos)
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if path == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}
	callID, err := url.PathUnescape(path)
	if err != nil {
		http.Error(w, "Invalid call ID encoding", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Get(callID)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toSessionInfo(sess.Snapshot()))
}

func toSessionInfo(snap session.Snapshot) types.SessionInfo {
	info := types.SessionInfo{
		CallID:      snap.CallID,
		State:       snap.State.String(),
		Direction:   snap.Direction.String(),
		PeerAddress: snap.PeerAddress,
		DisplayName: snap.DisplayName,
		Muted:       snap.Muted,
		OnHold:      snap.OnHold,
		SpeakerOn:   snap.SpeakerOn,
		BluetoothOn: snap.BluetoothOn,
		Duration:    int(time.Since(snap.CreatedAt).Seconds()),
		CreatedAt:   snap.CreatedAt.Format(time.RFC3339),
	}
	if snap.State.IsTerminal() {
		info.Cause = snap.Cause.String()
	}
	return info
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
