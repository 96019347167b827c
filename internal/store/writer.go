package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"calltrack/internal/calls"
	"calltrack/pkg/logger"
)

// WriterOptions tunes AsyncWriter. Zero values fall back to defaults.
type WriterOptions struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Logger        *slog.Logger
	// Retry spaces out re-inserts of a transcript batch that failed with
	// calls.ErrStorageUnavailable. MaxAttempts is not used; the batch stays
	// pending until it is written, pushed out by newer turns or shutdown.
	Retry Backoff
	// OnDrop is called when the buffer is full and an event is discarded.
	OnDrop func(kind string)
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.Buffer <= 0 {
		o.Buffer = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.OnDrop == nil {
		o.OnDrop = func(string) {}
	}
	o.Retry = o.Retry.WithDefaults()
	return o
}

type opKind int

const (
	opUpsert opKind = iota
	opDelete
	opTurn
)

func (k opKind) String() string {
	switch k {
	case opUpsert:
		return "active_call_upsert"
	case opDelete:
		return "active_call_delete"
	default:
		return "transcript_turn"
	}
}

type writeOp struct {
	kind    opKind
	session calls.Session
	turn    calls.Turn
}

// AsyncWriter mirrors registry events into a Repository from a single
// goroutine. It implements session.Observer; enqueueing never blocks, and
// events are dropped (and reported through OnDrop) when the buffer is full.
type AsyncWriter struct {
	repo Repository
	opts WriterOptions
	log  *slog.Logger
	ops  chan writeOp

	// Owned by the Run goroutine.
	failures int
	retryAt  time.Time
}

func NewAsyncWriter(repo Repository, opts WriterOptions) *AsyncWriter {
	opts = opts.withDefaults()
	return &AsyncWriter{
		repo: repo,
		opts: opts,
		log:  opts.Logger.With("component", "store_writer"),
		ops:  make(chan writeOp, opts.Buffer),
	}
}

func (w *AsyncWriter) SessionChanged(s calls.Session) {
	w.enqueue(writeOp{kind: opUpsert, session: s})
}

func (w *AsyncWriter) TurnAppended(t calls.Turn) {
	w.enqueue(writeOp{kind: opTurn, turn: t})
}

func (w *AsyncWriter) SessionEvicted(s calls.Session) {
	w.enqueue(writeOp{kind: opDelete, session: s})
}

func (w *AsyncWriter) enqueue(op writeOp) {
	select {
	case w.ops <- op:
	default:
		w.opts.OnDrop(op.kind.String())
		w.log.Warn("write buffer full, dropping event", "kind", op.kind.String())
	}
}

// Run consumes events until ctx is done, then drains what is buffered.
// Transcript rows are batched; session events flush pending turns first so
// per-room ordering is preserved. A batch that fails because storage is
// unavailable stays pending and is retried on a later tick.
func (w *AsyncWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	var pending []calls.Turn
	for {
		select {
		case <-ctx.Done():
			pending = w.drain(pending)
			if left := w.flushTurns(pending, true); len(left) > 0 {
				w.log.Error("dropping unsaved transcript turns at shutdown", "count", len(left))
				for range left {
					w.opts.OnDrop(opTurn.String())
				}
			}
			return nil
		case op := <-w.ops:
			pending = w.apply(op, pending)
		case <-ticker.C:
			pending = w.flushTurns(pending, false)
		}
	}
}

func (w *AsyncWriter) drain(pending []calls.Turn) []calls.Turn {
	for {
		select {
		case op := <-w.ops:
			pending = w.apply(op, pending)
		default:
			return pending
		}
	}
}

func (w *AsyncWriter) apply(op writeOp, pending []calls.Turn) []calls.Turn {
	if op.kind == opTurn {
		pending = append(pending, op.turn)
		if len(pending) >= w.opts.BatchSize {
			return w.flushTurns(pending, false)
		}
		return pending
	}

	pending = w.flushTurns(pending, false)

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()
	var err error
	switch op.kind {
	case opUpsert:
		err = w.repo.UpsertActiveCall(ctx, op.session)
	case opDelete:
		err = w.repo.DeleteActiveCall(ctx, op.session.RoomID, op.session.SessionID)
	}
	if err != nil {
		logger.ForRoom(w.log, op.session.RoomID).Error("mirror active call failed",
			"kind", op.kind.String(), "session_id", op.session.SessionID, "err", err)
	}
	return pending
}

// flushTurns inserts turns and returns what is still pending. While a retry
// is scheduled nothing is attempted unless force is set. Turn ids make the
// insert idempotent, so re-sending a batch is safe.
func (w *AsyncWriter) flushTurns(turns []calls.Turn, force bool) []calls.Turn {
	if len(turns) == 0 {
		return turns
	}
	if !force && time.Now().Before(w.retryAt) {
		return w.trimPending(turns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()
	err := w.repo.InsertTurns(ctx, turns)
	switch {
	case err == nil:
		if w.failures > 0 {
			w.log.Info("transcript writes recovered", "failed_attempts", w.failures)
		}
		w.failures = 0
		w.retryAt = time.Time{}
		return turns[:0]
	case errors.Is(err, calls.ErrStorageUnavailable):
		delay := w.opts.Retry.Delay(w.failures)
		w.failures++
		w.retryAt = time.Now().Add(delay)
		w.log.Warn("insert transcript turns failed, keeping batch for retry",
			"count", len(turns), "attempt", w.failures, "retry_in", delay, "err", err)
		return w.trimPending(turns)
	default:
		w.log.Error("insert transcript turns failed", "count", len(turns), "err", err)
		w.failures = 0
		w.retryAt = time.Time{}
		return turns[:0]
	}
}

// trimPending bounds turns held across an outage to Buffer, dropping the
// oldest first.
func (w *AsyncWriter) trimPending(turns []calls.Turn) []calls.Turn {
	over := len(turns) - w.opts.Buffer
	if over <= 0 {
		return turns
	}
	for i := 0; i < over; i++ {
		w.opts.OnDrop(opTurn.String())
	}
	w.log.Warn("pending transcript turns over limit, dropping oldest", "count", over)
	return append(turns[:0], turns[over:]...)
}
