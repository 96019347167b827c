package audit

import "time"

// Event is an immutable, append-only audit log record of an operator action
// that changed tracked or stored call state.
//
// Invariants:
// - Events are never updated or deleted.
// - subject and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// Subject is the authenticated token subject causing the event.
	Subject string `json:"subject,omitempty"`
	Role    string `json:"role,omitempty"`

	// IPAddress is the resolved client IP.
	IPAddress string `json:"ip_address,omitempty"`

	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeManualFinalize EventType = "manual_finalize"
	EventTypeEnrichment     EventType = "enrichment"
)
