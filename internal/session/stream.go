package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"calltrack/internal/calls"
)

// Stream opens a cursor over the room's turns in timestamp order, skipping
// the first offset turns. Ended rooms can be replayed until they are swept.
func (in *Ingestor) Stream(roomID string, offset int) (*Cursor, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", calls.ErrInvalidArgument, offset)
	}
	rm, err := in.reg.lookup(roomID)
	if err != nil {
		return nil, err
	}
	c := &Cursor{
		rm:      rm,
		reorder: in.reg.opts.ReorderWindow,
		clock:   in.reg.now,
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	n := min(offset, len(rm.turns))
	if n > 0 {
		c.last = rm.turns[n-1]
		c.started = true
	}
	c.pos = n
	c.skip = offset - n
	return c, nil
}

// StreamAfter opens a cursor that resumes strictly after the turn last, as
// returned by Cursor.Last. Unlike an offset it is stable when late turns are
// inserted ahead of it; they are skipped.
func (in *Ingestor) StreamAfter(roomID string, last calls.Turn) (*Cursor, error) {
	rm, err := in.reg.lookup(roomID)
	if err != nil {
		return nil, err
	}
	c := &Cursor{
		rm:      rm,
		reorder: in.reg.opts.ReorderWindow,
		clock:   in.reg.now,
		last:    last,
		started: true,
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	c.pos = rm.after(last)
	return c, nil
}

// Cursor is a single reader's position in a room transcript. It is not safe
// for concurrent use. It holds no locks between calls and needs no Close.
type Cursor struct {
	rm      *room
	reorder time.Duration
	clock   func() time.Time

	last    calls.Turn
	started bool
	skip    int
	pos     int
}

// Position is the offset to pass to Stream to resume after the last turn
// returned by Next. It counts delivered turns, so it is exact only while no
// turn lands ahead of the cursor. A late turn ordered before the last one
// returned is skipped by this cursor but still shifts the room's indices,
// and resuming from Position then repeats the last turn. Use Last with
// StreamAfter where that matters.
func (c *Cursor) Position() int { return c.pos }

// Last returns the most recent turn returned by Next, or false before the
// first one.
func (c *Cursor) Last() (calls.Turn, bool) { return c.last, c.started }

// Next returns the next turn, blocking while the session is live. It returns
// io.EOF once the session ended and every turn was delivered, or the context
// error if ctx is done first.
func (c *Cursor) Next(ctx context.Context) (calls.Turn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return calls.Turn{}, err
		}
		t, wait, delay, err := c.poll()
		if err != nil {
			return calls.Turn{}, err
		}
		if wait == nil {
			if c.skip > 0 {
				c.skip--
				continue
			}
			return t, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if delay > 0 {
			timer = time.NewTimer(delay)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-wait:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// poll either releases the next turn (wait == nil) or returns the channel to
// wait on, plus how long until a held-back turn becomes due.
func (c *Cursor) poll() (calls.Turn, <-chan struct{}, time.Duration, error) {
	rm := c.rm
	rm.mu.Lock()
	defer rm.mu.Unlock()

	i := 0
	if c.started {
		i = rm.after(c.last)
	}
	if i >= len(rm.turns) {
		if rm.ended() {
			return calls.Turn{}, nil, 0, io.EOF
		}
		return calls.Turn{}, rm.changed, 0, nil
	}

	t := rm.turns[i]
	if !rm.ended() && c.reorder > 0 {
		now := c.clock()
		if due := t.CreatedAt.Add(c.reorder); due.After(now) {
			return calls.Turn{}, rm.changed, due.Sub(now), nil
		}
	}
	c.last = t
	c.started = true
	c.pos++
	return t, nil, 0, nil
}
