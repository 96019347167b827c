package audit

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// LogRepo writes audit events to a structured logger under the "audit" key,
// for shipping with the rest of the service logs.
type LogRepo struct {
	log *slog.Logger
}

func NewLogRepo(l *slog.Logger) *LogRepo {
	return &LogRepo{log: l.With("component", "audit")}
}

func (r *LogRepo) Append(ctx context.Context, e Event) error {
	r.log.InfoContext(ctx, "audit event",
		slog.Group("audit",
			"id", e.ID,
			"type", string(e.Type),
			"subject", e.Subject,
			"role", e.Role,
			"ip", e.IPAddress,
			"room_id", e.RoomID,
			"session_id", e.SessionID,
			"message", e.Message,
			"metadata", e.Metadata,
			"created_at", e.CreatedAt,
		),
	)
	return nil
}
