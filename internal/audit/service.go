package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records operator actions.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Actor identifies who performed an action.
type Actor struct {
	Subject   string
	Role      string
	IPAddress string
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.RoomID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends an event of type t for roomID. details, when non-nil, is
// stored as JSON metadata.
func (s *Service) Record(ctx context.Context, t EventType, a Actor, roomID, sessionID, message string, details any) error {
	e := Event{
		Type:      t,
		Subject:   a.Subject,
		Role:      a.Role,
		IPAddress: a.IPAddress,
		RoomID:    roomID,
		SessionID: sessionID,
		Message:   message,
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		e.Metadata = string(b)
	}
	return s.Append(ctx, e)
}
