package telephony

import (
	"context"

	"calltrack/internal/calls"
)

// CallTracker is the slice of the session registry driven by provider
// callbacks. *session.Registry implements it.
//
// Rules:
// - Provider adapters translate events; they never hold call state themselves.
// - Room ids are the provider's call identifier (Twilio CallSid), which is
//   never reused, so rooms are opened with OpenOnce.
type CallTracker interface {
	OpenOnce(roomID, phone, callerName string) (calls.Session, error)
	Known(roomID string) bool
	Update(roomID string, status calls.Status) (calls.Session, error)
	Close(roomID string) (calls.Session, error)
	Get(roomID string) (calls.Session, error)
}

// Finalizer schedules the durable write for a closed session.
type Finalizer interface {
	FinalizeAsync(roomID, sessionID string)
}

// Limiter caps call opens per phone number.
type Limiter interface {
	Allow(ctx context.Context, phone string) (bool, error)
}

// Metrics receives rate-limit rejections.
type Metrics interface {
	RateLimited()
}

// Action is what a provider status event asks the registry to do.
type Action string

const (
	ActionIgnore Action = "ignore"
	ActionOpen   Action = "open"
	ActionActive Action = "active"
	ActionClose  Action = "close"
)
