package session

import (
	"slices"
	"sort"
	"sync"
	"time"

	"calltrack/internal/calls"
)

// room is the unit of locking. mu guards every field; the shard lock only
// guards membership in the shard map. sess.RoomID, sess.SessionID and
// sess.StartedAt never change after newRoom and may be read under the
// shard lock alone.
type room struct {
	mu sync.Mutex

	sess calls.Session
	// turns is kept sorted by (CreatedAt, Seq).
	turns      []calls.Turn
	seq        uint64
	interrupts int
	finalized  bool

	// changed is closed and replaced whenever turns or status change.
	changed chan struct{}
}

func newRoom(s calls.Session) *room {
	return &room{sess: s, changed: make(chan struct{})}
}

func (rm *room) ended() bool { return rm.sess.Status == calls.StatusEnded }

// expired reports whether the room ended longer than grace ago.
func (rm *room) expired(now time.Time, grace time.Duration) bool {
	return rm.ended() && now.Sub(rm.sess.EndedAt) > grace
}

func (rm *room) broadcast() {
	close(rm.changed)
	rm.changed = make(chan struct{})
}

// insert places t in timestamp order and adjusts the interrupt count for the
// adjacent pairs it creates and breaks.
func (rm *room) insert(t calls.Turn, threshold time.Duration) {
	i := sort.Search(len(rm.turns), func(i int) bool { return t.Before(rm.turns[i]) })
	hasPrev, hasNext := i > 0, i < len(rm.turns)
	if hasPrev && hasNext && interrupted(rm.turns[i-1], rm.turns[i], threshold) {
		rm.interrupts--
	}
	if hasPrev && interrupted(rm.turns[i-1], t, threshold) {
		rm.interrupts++
	}
	if hasNext && interrupted(t, rm.turns[i], threshold) {
		rm.interrupts++
	}
	rm.turns = slices.Insert(rm.turns, i, t)
}

// after returns the index of the first turn ordered after last.
func (rm *room) after(last calls.Turn) int {
	return sort.Search(len(rm.turns), func(i int) bool { return last.Before(rm.turns[i]) })
}

// interrupted reports whether b, following a in timestamp order, is a speaker
// change inside the threshold.
func interrupted(a, b calls.Turn, threshold time.Duration) bool {
	return a.Role != b.Role && b.CreatedAt.Sub(a.CreatedAt) < threshold
}
