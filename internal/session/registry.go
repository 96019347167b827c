package session

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"calltrack/internal/calls"
	"calltrack/pkg/logger"
)

const (
	DefaultShards             = 64
	DefaultGraceWindow        = 30 * time.Second
	DefaultInterruptThreshold = 500 * time.Millisecond
)

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	// GraceWindow is how long an ended session still accepts late turns and
	// answers Get/Close with its cached snapshot.
	GraceWindow time.Duration
	// TombstoneTTL is how long an ended session is retained before Sweep
	// evicts it. Must exceed GraceWindow so stale appends stay distinguishable
	// from unknown rooms.
	TombstoneTTL time.Duration
	// InterruptThreshold is the strict upper bound on the gap between two
	// adjacent turns of different roles that counts as an interrupt.
	InterruptThreshold time.Duration
	// ReorderWindow holds back live stream output so jittered turns can be
	// emitted in timestamp order. Zero disables the hold-back.
	ReorderWindow time.Duration

	Shards   int
	Observer Observer
	Logger   *slog.Logger
	Clock    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.TombstoneTTL <= o.GraceWindow {
		o.TombstoneTTL = 10 * o.GraceWindow
	}
	if o.InterruptThreshold <= 0 {
		o.InterruptThreshold = DefaultInterruptThreshold
	}
	if o.ReorderWindow < 0 {
		o.ReorderWindow = 0
	}
	if o.Shards <= 0 {
		o.Shards = DefaultShards
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Registry is the in-memory table of live calls keyed by room id.
//
// Rooms are spread over lock-striped shards; a shard lock is held only to
// read or change map membership. All session and transcript state sits
// behind the owning room's mutex, so unrelated rooms never contend.
// Lock order is shard before room.
type Registry struct {
	opts   Options
	obs    Observer
	log    *slog.Logger
	shards []*shard
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*room
	// retired holds ended, unfinalized sessions displaced by a reopen of the
	// same room, oldest first. They stay reachable by session id until
	// finalized or swept.
	retired map[string][]*room
}

func NewRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	r := &Registry{
		opts:   opts,
		obs:    opts.Observer,
		log:    opts.Logger.With("component", "session_registry"),
		shards: make([]*shard, opts.Shards),
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*room), retired: make(map[string][]*room)}
	}
	return r
}

func (r *Registry) now() time.Time { return r.opts.Clock().UTC() }

func (r *Registry) shardFor(roomID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) lookup(roomID string) (*room, error) {
	sh := r.shardFor(roomID)
	sh.mu.RLock()
	rm, ok := sh.rooms[roomID]
	sh.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: room %q", calls.ErrUnknownSession, roomID)
	}
	return rm, nil
}

// Open starts a session in StatusRinging. A room whose previous session has
// ended may be reopened; an unfinalized predecessor is retired, not dropped,
// so its record can still be written.
func (r *Registry) Open(roomID, phone, callerName string) (calls.Session, error) {
	return r.open(roomID, phone, callerName, true)
}

// OpenOnce is Open for room ids that are never reused, such as provider call
// ids: a retained tombstone also counts as a duplicate.
func (r *Registry) OpenOnce(roomID, phone, callerName string) (calls.Session, error) {
	return r.open(roomID, phone, callerName, false)
}

func (r *Registry) open(roomID, phone, callerName string, reopen bool) (calls.Session, error) {
	if roomID == "" {
		return calls.Session{}, fmt.Errorf("%w: room id is required", calls.ErrInvalidArgument)
	}
	now := r.now()

	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if prev, ok := sh.rooms[roomID]; ok {
		prev.mu.Lock()
		live, finalized, prevID := !prev.ended(), prev.finalized, prev.sess.SessionID
		prev.mu.Unlock()
		if live || !reopen {
			return calls.Session{}, fmt.Errorf("%w: room %q", calls.ErrDuplicateSession, roomID)
		}
		if !finalized {
			sh.retired[roomID] = append(sh.retired[roomID], prev)
			logger.ForRoom(r.log, roomID).Info("room reopened before finalize, retiring previous session", "session_id", prevID)
		}
	}

	rm := newRoom(calls.Session{
		RoomID:      roomID,
		SessionID:   uuid.NewString(),
		Phone:       phone,
		CallerName:  callerName,
		Status:      calls.StatusRinging,
		StartedAt:   now,
		LastUpdated: now,
	})
	sh.rooms[roomID] = rm
	r.obs.SessionChanged(rm.sess)
	return rm.sess, nil
}

// Known reports whether the registry still holds anything for roomID,
// including a tombstone past its grace window.
func (r *Registry) Known(roomID string) bool {
	sh := r.shardFor(roomID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.rooms[roomID]
	return ok
}

// find resolves a session of roomID. An empty sessionID selects the room's
// current session; otherwise retired sessions are searched too.
func (r *Registry) find(roomID, sessionID string) (*room, error) {
	sh := r.shardFor(roomID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if rm, ok := sh.rooms[roomID]; ok && (sessionID == "" || rm.sess.SessionID == sessionID) {
		return rm, nil
	}
	if sessionID != "" {
		for _, rm := range sh.retired[roomID] {
			if rm.sess.SessionID == sessionID {
				return rm, nil
			}
		}
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: room %q", calls.ErrUnknownSession, roomID)
	}
	return nil, fmt.Errorf("%w: room %q session %s", calls.ErrUnknownSession, roomID, sessionID)
}

// appendTarget picks the room a turn stamped ts belongs to. A turn older
// than the current session's start goes to the newest retired session that
// had already started by ts.
func (r *Registry) appendTarget(roomID string, ts time.Time) (*room, error) {
	sh := r.shardFor(roomID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	cur, ok := sh.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %q", calls.ErrUnknownSession, roomID)
	}
	retired := sh.retired[roomID]
	if ts.IsZero() || len(retired) == 0 || !ts.Before(cur.sess.StartedAt) {
		return cur, nil
	}
	for i := len(retired) - 1; i >= 0; i-- {
		if !ts.Before(retired[i].sess.StartedAt) {
			return retired[i], nil
		}
	}
	return cur, nil
}

// Update moves a session to status. Moving to StatusEnded behaves like Close
// except that an already ended session is an invalid transition.
func (r *Registry) Update(roomID string, status calls.Status) (calls.Session, error) {
	rm, err := r.lookup(roomID)
	if err != nil {
		return calls.Session{}, err
	}
	now := r.now()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.expired(now, r.opts.GraceWindow) {
		return calls.Session{}, fmt.Errorf("%w: room %q", calls.ErrUnknownSession, roomID)
	}
	if !calls.CanTransition(rm.sess.Status, status) {
		return calls.Session{}, fmt.Errorf("%w: %s -> %s", calls.ErrInvalidTransition, rm.sess.Status, status)
	}
	if status == calls.StatusEnded {
		r.endLocked(rm, now)
		return rm.sess, nil
	}
	rm.sess.Status = status
	rm.sess.LastUpdated = now
	r.obs.SessionChanged(rm.sess)
	return rm.sess, nil
}

// Close ends the session and returns its final snapshot. Repeated closes
// within the grace window return the same snapshot.
func (r *Registry) Close(roomID string) (calls.Session, error) {
	rm, err := r.lookup(roomID)
	if err != nil {
		return calls.Session{}, err
	}
	now := r.now()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.ended() {
		if rm.expired(now, r.opts.GraceWindow) {
			return calls.Session{}, fmt.Errorf("%w: room %q", calls.ErrUnknownSession, roomID)
		}
		return rm.sess, nil
	}
	r.endLocked(rm, now)
	return rm.sess, nil
}

// endLocked wakes every cursor so it can drain and finish.
func (r *Registry) endLocked(rm *room, now time.Time) {
	rm.sess.Status = calls.StatusEnded
	rm.sess.EndedAt = now
	rm.sess.LastUpdated = now
	rm.broadcast()
	r.obs.SessionChanged(rm.sess)
}

// Get returns a snapshot of a live session or one ended within the grace window.
func (r *Registry) Get(roomID string) (calls.Session, error) {
	rm, err := r.lookup(roomID)
	if err != nil {
		return calls.Session{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.expired(r.now(), r.opts.GraceWindow) {
		return calls.Session{}, fmt.Errorf("%w: room %q", calls.ErrUnknownSession, roomID)
	}
	return rm.sess, nil
}

// Active lists live sessions ordered by start time.
func (r *Registry) Active() []calls.Session {
	var out []calls.Session
	for _, rm := range r.rooms() {
		rm.mu.Lock()
		if !rm.ended() {
			out = append(out, rm.sess)
		}
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Unfinalized lists ended sessions older than minAge that were never marked
// finalized, including sessions retired by a reopen.
func (r *Registry) Unfinalized(now time.Time, minAge time.Duration) []calls.Session {
	var out []calls.Session
	for _, rm := range r.allRooms() {
		rm.mu.Lock()
		if rm.ended() && !rm.finalized && now.Sub(rm.sess.EndedAt) >= minAge {
			out = append(out, rm.sess)
		}
		rm.mu.Unlock()
	}
	return out
}

// MarkFinalized records that sessionID produced its log record. A retired
// session is released once marked.
func (r *Registry) MarkFinalized(roomID, sessionID string) {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rm, ok := sh.rooms[roomID]; ok && rm.sess.SessionID == sessionID {
		rm.mu.Lock()
		rm.finalized = true
		rm.mu.Unlock()
		return
	}
	retired := sh.retired[roomID]
	for i, rm := range retired {
		if rm.sess.SessionID != sessionID {
			continue
		}
		rm.mu.Lock()
		rm.finalized = true
		r.obs.SessionEvicted(rm.sess)
		rm.mu.Unlock()
		sh.dropRetired(roomID, i)
		return
	}
}

func (sh *shard) dropRetired(roomID string, i int) {
	rest := slices.Delete(sh.retired[roomID], i, i+1)
	if len(rest) == 0 {
		delete(sh.retired, roomID)
		return
	}
	sh.retired[roomID] = rest
}

// Sweep evicts tombstones and retired sessions whose retention has elapsed
// and returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, rm := range sh.rooms {
			rm.mu.Lock()
			if r.sweepable(rm, now) {
				delete(sh.rooms, id)
				n++
				r.evictLocked(id, rm)
			}
			rm.mu.Unlock()
		}
		for id, retired := range sh.retired {
			keep := retired[:0]
			for _, rm := range retired {
				rm.mu.Lock()
				if r.sweepable(rm, now) {
					n++
					r.evictLocked(id, rm)
				} else {
					keep = append(keep, rm)
				}
				rm.mu.Unlock()
			}
			if len(keep) == 0 {
				delete(sh.retired, id)
			} else {
				sh.retired[id] = keep
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (r *Registry) sweepable(rm *room, now time.Time) bool {
	return rm.ended() && now.Sub(rm.sess.EndedAt) > r.opts.TombstoneTTL
}

func (r *Registry) evictLocked(roomID string, rm *room) {
	if !rm.finalized {
		logger.ForRoom(r.log, roomID).Warn("evicting unfinalized session", "session_id", rm.sess.SessionID)
	}
	r.obs.SessionEvicted(rm.sess)
}

// Handoff is the consistent view of an ended session read by the finalizer.
type Handoff struct {
	Session    calls.Session
	Turns      []calls.Turn
	Interrupts int
}

// Handoff snapshots an ended session together with its transcript under the
// room lock, so every turn accepted before the call returns is included.
// An empty sessionID selects the room's current session; a session retired
// by a reopen is still reachable by its id.
func (r *Registry) Handoff(roomID, sessionID string) (Handoff, error) {
	rm, err := r.find(roomID, sessionID)
	if err != nil {
		return Handoff{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.ended() {
		return Handoff{}, fmt.Errorf("%w: room %q is still %s", calls.ErrInvalidTransition, roomID, rm.sess.Status)
	}
	return Handoff{
		Session:    rm.sess,
		Turns:      slices.Clone(rm.turns),
		Interrupts: rm.interrupts,
	}, nil
}

func (r *Registry) rooms() []*room {
	var out []*room
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, rm := range sh.rooms {
			out = append(out, rm)
		}
		sh.mu.RUnlock()
	}
	return out
}

// allRooms is rooms plus retired sessions.
func (r *Registry) allRooms() []*room {
	out := r.rooms()
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, retired := range sh.retired {
			out = append(out, retired...)
		}
		sh.mu.RUnlock()
	}
	return out
}
