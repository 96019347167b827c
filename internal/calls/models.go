package calls

import (
	"fmt"
	"strings"
	"time"
)

// Session is one live call tracked by room identifier.
//
// Maps to the active_calls table. SessionID is generated on open so that a
// room id reused by a later call never collides with a finalized predecessor.
type Session struct {
	RoomID     string `json:"room_id" db:"room_id"`
	SessionID  string `json:"session_id" db:"session_id"`
	Phone      string `json:"phone" db:"phone"`
	CallerName string `json:"caller_name,omitempty" db:"caller_name"`

	Status Status `json:"status" db:"status"`

	StartedAt   time.Time `json:"started_at" db:"started_at"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
	// EndedAt is zero until the session reaches StatusEnded.
	EndedAt time.Time `json:"ended_at,omitempty" db:"-"`
}

// Duration is the wall time between start and end, or zero while the call is live.
func (s Session) Duration() time.Duration {
	if s.EndedAt.IsZero() || s.EndedAt.Before(s.StartedAt) {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// ParseStatus accepts the three lifecycle values, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusRinging:
		return StatusRinging, nil
	case StatusActive:
		return StatusActive, nil
	case StatusEnded:
		return StatusEnded, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// ended is terminal; ringing may end directly (missed or rejected call).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusRinging:
		return to == StatusActive || to == StatusEnded
	case StatusActive:
		return to == StatusEnded
	default:
		return false
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a transcript role. Only user and assistant are permitted.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Turn is one utterance in a call transcript. Maps to call_transcripts.
//
// RoomID is a reference, not ownership: late turns may arrive after the
// session was finalized.
type Turn struct {
	ID        string    `json:"id" db:"id"`
	RoomID    string    `json:"room_id" db:"call_room_id"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	Role      Role      `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// Seq is the arrival order within the room; it breaks timestamp ties.
	Seq uint64 `json:"seq" db:"-"`
}

// Before orders turns by timestamp, then by arrival.
func (t Turn) Before(o Turn) bool {
	if t.CreatedAt.Equal(o.CreatedAt) {
		return t.Seq < o.Seq
	}
	return t.CreatedAt.Before(o.CreatedAt)
}

// LogRecord is the terminal summary of a finished call. Maps to call_logs.
//
// Exactly one record exists per finalized session. Only Sentiment and
// EstimatedCostUSD may change after the initial write.
type LogRecord struct {
	RoomID     string `json:"room_id" db:"room_id"`
	SessionID  string `json:"session_id" db:"session_id"`
	Phone      string `json:"phone" db:"phone"`
	CallerName string `json:"caller_name,omitempty" db:"caller_name"`

	DurationSeconds int    `json:"duration_seconds" db:"duration"`
	Transcript      string `json:"transcript,omitempty" db:"transcript"`
	AudioCodec      string `json:"audio_codec,omitempty" db:"audio_codec"`

	Sentiment *string `json:"sentiment,omitempty" db:"sentiment"`

	CallDate      string `json:"call_date" db:"call_date"` // YYYY-MM-DD
	CallHour      int    `json:"call_hour" db:"call_hour"`
	CallDayOfWeek string `json:"call_day_of_week" db:"call_day_of_week"`

	WasBooked        bool     `json:"was_booked" db:"was_booked"`
	InterruptCount   int      `json:"interrupt_count" db:"interrupt_count"`
	EstimatedCostUSD *float64 `json:"estimated_cost_usd,omitempty" db:"estimated_cost_usd"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Enrichment carries late-arriving fields patched onto a written LogRecord.
// Nil fields are left untouched.
type Enrichment struct {
	Sentiment        *string  `json:"sentiment,omitempty"`
	EstimatedCostUSD *float64 `json:"estimated_cost_usd,omitempty"`
}

func (e Enrichment) Empty() bool {
	return e.Sentiment == nil && e.EstimatedCostUSD == nil
}

// Apply returns r with the non-nil enrichment fields copied in.
func (e Enrichment) Apply(r LogRecord) LogRecord {
	if e.Sentiment != nil {
		s := *e.Sentiment
		r.Sentiment = &s
	}
	if e.EstimatedCostUSD != nil {
		c := *e.EstimatedCostUSD
		r.EstimatedCostUSD = &c
	}
	return r
}
