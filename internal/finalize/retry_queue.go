package finalize

import (
	"sync"

	"calltrack/internal/calls"
)

// RetryQueue holds computed call log records whose write failed because
// storage was unavailable. Records are keyed by session id; a session is
// queued at most once.
type RetryQueue struct {
	mu      sync.Mutex
	entries map[string]*pendingRecord
	order   []string
}

type pendingRecord struct {
	rec      calls.LogRecord
	attempts int
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{entries: make(map[string]*pendingRecord)}
}

// Put queues rec, or replaces the queued copy of the same session.
func (q *RetryQueue) Put(rec calls.LogRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[rec.SessionID]; ok {
		e.rec = rec
		e.attempts++
		return
	}
	q.entries[rec.SessionID] = &pendingRecord{rec: rec, attempts: 1}
	q.order = append(q.order, rec.SessionID)
}

func (q *RetryQueue) Get(sessionID string) (calls.LogRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[sessionID]
	if !ok {
		return calls.LogRecord{}, false
	}
	return e.rec, true
}

// LatestForRoom returns the most recently queued record for roomID.
func (q *RetryQueue) LatestForRoom(roomID string) (calls.LogRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.order) - 1; i >= 0; i-- {
		if e := q.entries[q.order[i]]; e.rec.RoomID == roomID {
			return e.rec, true
		}
	}
	return calls.LogRecord{}, false
}

// Bump records another failed attempt and returns the total.
func (q *RetryQueue) Bump(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[sessionID]
	if !ok {
		return 0
	}
	e.attempts++
	return e.attempts
}

func (q *RetryQueue) Remove(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[sessionID]; !ok {
		return
	}
	delete(q.entries, sessionID)
	for i, id := range q.order {
		if id == sessionID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns queued records oldest first.
func (q *RetryQueue) Snapshot() []calls.LogRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]calls.LogRecord, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].rec)
	}
	return out
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
