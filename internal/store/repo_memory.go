package store

import (
	"context"
	"sort"
	"sync"

	"calltrack/internal/calls"
)

// MemoryRepo is an in-memory Repository useful for tests and for running
// without a database. It is not intended for production use.
type MemoryRepo struct {
	mu     sync.Mutex
	active map[string]calls.Session
	turns  []calls.Turn
	seen   map[string]struct{}
	logs   map[string]calls.LogRecord
	order  []string

	saveErr   error
	saveFails int
	saves     int

	insertErr   error
	insertFails int
	inserts     int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		active: make(map[string]calls.Session),
		seen:   make(map[string]struct{}),
		logs:   make(map[string]calls.LogRecord),
	}
}

// FailSaves makes the next n SaveCallLog calls return err.
func (r *MemoryRepo) FailSaves(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveFails = n
	r.saveErr = err
}

// FailInserts makes the next n InsertTurns calls return err.
func (r *MemoryRepo) FailInserts(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertFails = n
	r.insertErr = err
}

// InsertAttempts reports how many InsertTurns calls were made.
func (r *MemoryRepo) InsertAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inserts
}

func (r *MemoryRepo) Ping(ctx context.Context) error { return ctx.Err() }

func (r *MemoryRepo) UpsertActiveCall(ctx context.Context, s calls.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[s.RoomID]; ok && cur.LastUpdated.After(s.LastUpdated) {
		return nil
	}
	r.active[s.RoomID] = s
	return nil
}

func (r *MemoryRepo) DeleteActiveCall(ctx context.Context, roomID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[roomID]; ok && cur.SessionID == sessionID {
		delete(r.active, roomID)
	}
	return nil
}

func (r *MemoryRepo) InsertTurns(ctx context.Context, turns []calls.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.insertFails > 0 {
		r.insertFails--
		return r.insertErr
	}
	for _, t := range turns {
		if _, dup := r.seen[t.ID]; dup {
			continue
		}
		r.seen[t.ID] = struct{}{}
		r.turns = append(r.turns, t)
	}
	return nil
}

func (r *MemoryRepo) SaveCallLog(ctx context.Context, rec calls.LogRecord) (calls.LogRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveFails > 0 {
		r.saveFails--
		return calls.LogRecord{}, false, r.saveErr
	}
	if cur, ok := r.logs[rec.SessionID]; ok {
		return cur, false, nil
	}
	r.logs[rec.SessionID] = rec
	r.order = append(r.order, rec.SessionID)
	r.saves++
	return rec, true, nil
}

func (r *MemoryRepo) GetCallLog(ctx context.Context, sessionID string) (calls.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.logs[sessionID]
	if !ok {
		return calls.LogRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepo) LatestCallLog(ctx context.Context, roomID string) (calls.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		if rec := r.logs[r.order[i]]; rec.RoomID == roomID {
			return rec, nil
		}
	}
	return calls.LogRecord{}, ErrNotFound
}

func (r *MemoryRepo) PatchEnrichment(ctx context.Context, sessionID string, e calls.Enrichment) (calls.LogRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.logs[sessionID]
	if !ok {
		return calls.LogRecord{}, ErrNotFound
	}
	rec = e.Apply(rec)
	r.logs[sessionID] = rec
	return rec, nil
}

// ActiveCalls returns the mirrored active_calls rows ordered by room id.
func (r *MemoryRepo) ActiveCalls() []calls.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Turns returns every stored transcript row in insertion order.
func (r *MemoryRepo) Turns() []calls.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Turn, len(r.turns))
	copy(out, r.turns)
	return out
}

// Saves counts SaveCallLog calls that inserted a record.
func (r *MemoryRepo) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
