package dispatch

import "time"

// Event is the triggering occurrence a notification is rendered from: a
// probe status transition or an explicit test request.
type Event struct {
	Level      string            `json:"level"` // "info", "warning", "error"
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	ServerID   uint              `json:"server_id"`
	ServerName string            `json:"server_name"`
	ProbeID    *uint             `json:"probe_id,omitempty"`
	ProbeName  string            `json:"probe_name,omitempty"`
	UserID     *uint             `json:"-"` // acting user for manual sends
	Timestamp  time.Time         `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
}
