package session

import (
	"sync"
	"time"

	"calltrack/internal/calls"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	changes []calls.Session
	turns   []calls.Turn
	evicted []calls.Session
}

func (r *recorder) SessionChanged(s calls.Session) {
	r.mu.Lock()
	r.changes = append(r.changes, s)
	r.mu.Unlock()
}

func (r *recorder) TurnAppended(t calls.Turn) {
	r.mu.Lock()
	r.turns = append(r.turns, t)
	r.mu.Unlock()
}

func (r *recorder) SessionEvicted(s calls.Session) {
	r.mu.Lock()
	r.evicted = append(r.evicted, s)
	r.mu.Unlock()
}

func newTestRegistry(clock *fakeClock, obs Observer) (*Registry, *Ingestor) {
	reg := NewRegistry(Options{
		GraceWindow:  30 * time.Second,
		TombstoneTTL: 5 * time.Minute,
		Clock:        clock.Now,
		Observer:     obs,
	})
	return reg, NewIngestor(reg)
}
