// Package types defines shared API types for the callkit daemon.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// StatsResponse is the response from /api/v1/stats
type StatsResponse struct {
	ActiveSessions int `json:"active_sessions"`
	EventsDropped  int `json:"events_dropped,omitempty"`
}

// SessionInfo describes one tracked call session.
type SessionInfo struct {
	CallID      string `json:"call_id"`
	State       string `json:"state"`
	Direction   string `json:"direction"`
	PeerAddress string `json:"peer_address"`
	DisplayName string `json:"display_name,omitempty"`
	Muted       bool   `json:"muted"`
	OnHold      bool   `json:"on_hold"`
	SpeakerOn   bool   `json:"speaker_on"`
	BluetoothOn bool   `json:"bluetooth_on"`
	Duration    int    `json:"duration"`
	CreatedAt   string `json:"created_at"`
	Cause       string `json:"cause,omitempty"`
}

// CommandResponse is the result of POST /api/v1/commands.
type CommandResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}
