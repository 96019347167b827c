package outcome

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"calltrack/internal/calls"
)

const (
	DefaultTTL   = 24 * time.Hour
	cleanupEvery = 10 * time.Minute
)

// Store keeps booking signals reported during a call until the session is
// finalized. Signals are keyed by session id so a reused room id never
// inherits a previous caller's outcome.
type Store struct {
	c *gocache.Cache
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{c: gocache.New(ttl, cleanupEvery)}
}

// Record stores the latest booking signal for a session.
func (s *Store) Record(sessionID string, booked bool) {
	s.c.SetDefault(sessionID, booked)
}

// WasBooked reports the recorded signal; sessions without one were not booked.
func (s *Store) WasBooked(ctx context.Context, sess calls.Session) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	v, ok := s.c.Get(sess.SessionID)
	if !ok {
		return false, nil
	}
	booked, _ := v.(bool)
	return booked, nil
}

// Forget drops a session's signal once its record is durable.
func (s *Store) Forget(sessionID string) {
	s.c.Delete(sessionID)
}
