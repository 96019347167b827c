package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"calltrack/internal/calls"
)

// Ingestor appends transcript turns to rooms held by a Registry.
//
// Append only takes the room lock; persistence happens in the registry's
// Observer, which is expected to enqueue rather than write.
type Ingestor struct {
	reg *Registry
}

func NewIngestor(reg *Registry) *Ingestor {
	return &Ingestor{reg: reg}
}

// Append records one utterance. A zero ts means now. Turns are accepted for a
// grace window after the session ended; later ones fail with ErrStaleSession.
// If the room was reopened, a turn stamped before the new session started
// lands in the session that was live at ts.
func (in *Ingestor) Append(roomID string, role calls.Role, content string, ts time.Time) (calls.Turn, error) {
	if _, err := calls.ParseRole(string(role)); err != nil {
		return calls.Turn{}, err
	}
	rm, err := in.reg.appendTarget(roomID, ts)
	if err != nil {
		return calls.Turn{}, err
	}
	now := in.reg.now()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.expired(now, in.reg.opts.GraceWindow) {
		return calls.Turn{}, fmt.Errorf("%w: room %q ended at %s", calls.ErrStaleSession, roomID, rm.sess.EndedAt.Format(time.RFC3339))
	}
	if ts.IsZero() {
		ts = now
	}
	rm.seq++
	t := calls.Turn{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Phone:     rm.sess.Phone,
		Role:      role,
		Content:   content,
		CreatedAt: ts.UTC(),
		Seq:       rm.seq,
	}
	rm.insert(t, in.reg.opts.InterruptThreshold)
	rm.broadcast()
	in.reg.obs.TurnAppended(t)
	return t, nil
}

// Transcript returns the room's turns in timestamp order.
func (in *Ingestor) Transcript(roomID string) ([]calls.Turn, error) {
	rm, err := in.reg.lookup(roomID)
	if err != nil {
		return nil, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return slices.Clone(rm.turns), nil
}

// Interrupts returns the current interrupt count for the room.
func (in *Ingestor) Interrupts(roomID string) (int, error) {
	rm, err := in.reg.lookup(roomID)
	if err != nil {
		return 0, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.interrupts, nil
}
