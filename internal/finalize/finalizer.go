package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"calltrack/internal/calls"
	"calltrack/internal/session"
	"calltrack/internal/store"
	"calltrack/pkg/logger"
)

// Outcome tags how a Finalize call obtained its record.
type Outcome string

const (
	// OutcomeWritten: this call wrote the record.
	OutcomeWritten Outcome = "written"
	// OutcomeAlreadyFinalized: the record existed before this call.
	OutcomeAlreadyFinalized Outcome = "already_finalized"
	// OutcomeConflict: a concurrent caller wrote the record; this call observed it.
	OutcomeConflict Outcome = "conflict"
	// OutcomeQueued: storage was unavailable and the record awaits RetryPending.
	OutcomeQueued Outcome = "queued"
)

// Backoff is the retry policy for call log writes.
type Backoff = store.Backoff

type Result struct {
	Record  calls.LogRecord `json:"record"`
	Outcome Outcome         `json:"outcome"`
}

// SessionSource hands over ended sessions. An empty sessionID means the
// room's current session. *session.Registry implements it.
type SessionSource interface {
	Handoff(roomID, sessionID string) (session.Handoff, error)
	MarkFinalized(roomID, sessionID string)
}

// OutcomeSource supplies the booking flag for a session.
type OutcomeSource interface {
	WasBooked(ctx context.Context, s calls.Session) (bool, error)
}

// SentimentClassifier labels a transcript.
type SentimentClassifier interface {
	Classify(ctx context.Context, transcript string) (string, error)
}

// CostModel estimates the USD cost of a call.
type CostModel interface {
	EstimateCost(ctx context.Context, durationSeconds, transcriptChars int, at time.Time) (float64, error)
}

// Notifier is told about newly written records.
type Notifier interface {
	CallCompleted(ctx context.Context, rec calls.LogRecord) error
}

// Claimer arbitrates finalize between processes sharing a store.
type Claimer interface {
	Claim(ctx context.Context, sessionID string) (bool, error)
	Release(ctx context.Context, sessionID string) error
}

// Metrics receives finalize telemetry. *metrics.Metrics implements it.
type Metrics interface {
	Finalized(outcome string, seconds float64)
	SetRetryQueue(n int)
	WebhookDelivered(ok bool)
}

type Options struct {
	Repo     store.Repository
	Sessions SessionSource
	Outcomes OutcomeSource

	// Optional collaborators.
	Sentiment SentimentClassifier
	Cost      CostModel
	Notifier  Notifier
	Claimer   Claimer
	Metrics   Metrics

	Location         *time.Location
	AudioCodec       string
	Backoff          Backoff
	SentimentTimeout time.Duration
	NotifyTimeout    time.Duration
	// AsyncTimeout bounds each FinalizeAsync run.
	AsyncTimeout time.Duration
	// DoneTTL bounds how long written records are remembered in memory.
	DoneTTL time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// Finalizer turns ended sessions into exactly one durable call log record.
//
// Concurrent calls for the same session share one execution; callers other
// than the executing one receive its record tagged OutcomeConflict.
type Finalizer struct {
	repo      store.Repository
	sessions  SessionSource
	outcomes  OutcomeSource
	sentiment SentimentClassifier
	cost      CostModel
	notifier  Notifier
	claimer   Claimer
	metrics   Metrics

	loc              *time.Location
	codec            string
	backoff          Backoff
	sentimentTimeout time.Duration
	notifyTimeout    time.Duration
	asyncTimeout     time.Duration

	group singleflight.Group
	bg    sync.WaitGroup
	done  *gocache.Cache
	queue *RetryQueue

	log   *slog.Logger
	clock func() time.Time
}

func New(opts Options) (*Finalizer, error) {
	if opts.Repo == nil {
		return nil, errors.New("finalize: repository is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("finalize: session source is required")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SentimentTimeout <= 0 {
		opts.SentimentTimeout = 10 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.AsyncTimeout <= 0 {
		opts.AsyncTimeout = time.Minute
	}
	if opts.DoneTTL <= 0 {
		opts.DoneTTL = time.Hour
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Finalizer{
		repo:             opts.Repo,
		sessions:         opts.Sessions,
		outcomes:         opts.Outcomes,
		sentiment:        opts.Sentiment,
		cost:             opts.Cost,
		notifier:         opts.Notifier,
		claimer:          opts.Claimer,
		metrics:          opts.Metrics,
		loc:              opts.Location,
		codec:            opts.AudioCodec,
		backoff:          opts.Backoff.WithDefaults(),
		sentimentTimeout: opts.SentimentTimeout,
		notifyTimeout:    opts.NotifyTimeout,
		asyncTimeout:     opts.AsyncTimeout,
		done:             gocache.New(opts.DoneTTL, opts.DoneTTL/2),
		queue:            NewRetryQueue(),
		log:              opts.Logger.With("component", "finalizer"),
		clock:            opts.Clock,
	}, nil
}

func (f *Finalizer) now() time.Time { return f.clock().UTC() }

// Queue exposes the pending-write queue for inspection.
func (f *Finalizer) Queue() *RetryQueue { return f.queue }

// Finalize writes the call log record for the room's current, ended session.
//
// On calls.ErrStorageUnavailable after all retries the computed record is
// queued and returned alongside the error with OutcomeQueued.
func (f *Finalizer) Finalize(ctx context.Context, roomID string) (Result, error) {
	return f.FinalizeSession(ctx, roomID, "")
}

// FinalizeSession is Finalize pinned to one session of the room, so a close
// followed by a reopen still finalizes the call that was closed.
func (f *Finalizer) FinalizeSession(ctx context.Context, roomID, sessionID string) (Result, error) {
	start := time.Now()
	h, err := f.sessions.Handoff(roomID, sessionID)
	if err != nil {
		// A retired session leaves the registry once written.
		if sessionID != "" && errors.Is(err, calls.ErrUnknownSession) {
			if rec, ok := f.stored(ctx, sessionID); ok {
				f.metrics.Finalized(string(OutcomeAlreadyFinalized), time.Since(start).Seconds())
				return Result{Record: rec, Outcome: OutcomeAlreadyFinalized}, nil
			}
		}
		return Result{}, fmt.Errorf("finalize room %q: %w", roomID, err)
	}
	sid := h.Session.SessionID

	if v, ok := f.done.Get(sid); ok {
		res := Result{Record: v.(calls.LogRecord), Outcome: OutcomeAlreadyFinalized}
		f.metrics.Finalized(string(res.Outcome), time.Since(start).Seconds())
		return res, nil
	}

	var executed bool
	v, err, _ := f.group.Do(sid, func() (any, error) {
		executed = true
		return f.run(ctx, h)
	})
	res, _ := v.(Result)
	if !executed && err == nil && res.Outcome == OutcomeWritten {
		res.Outcome = OutcomeConflict
	}
	if res.Outcome != "" {
		f.metrics.Finalized(string(res.Outcome), time.Since(start).Seconds())
	}
	if err != nil {
		return res, fmt.Errorf("finalize room %q: %w", roomID, err)
	}
	return res, nil
}

// FinalizeAsync runs FinalizeSession on a background goroutine. Failures are
// logged; queued records are picked up by RetryPending and sessions that
// never finalized by the janitor.
func (f *Finalizer) FinalizeAsync(roomID, sessionID string) {
	f.bg.Add(1)
	go func() {
		defer f.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.asyncTimeout)
		defer cancel()
		res, err := f.FinalizeSession(ctx, roomID, sessionID)
		if err != nil {
			logger.ForRoom(f.log, roomID).Warn("background finalize failed",
				"session_id", sessionID, "outcome", res.Outcome, "err", err)
		}
	}()
}

// Wait blocks until every FinalizeAsync call has returned.
func (f *Finalizer) Wait() { f.bg.Wait() }

func (f *Finalizer) run(ctx context.Context, h session.Handoff) (Result, error) {
	s := h.Session
	log := logger.ForRoom(f.log, s.RoomID).With("session_id", s.SessionID)

	existing, err := f.repo.GetCallLog(ctx, s.SessionID)
	switch {
	case err == nil:
		f.remember(existing)
		return Result{Record: existing, Outcome: OutcomeAlreadyFinalized}, nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, calls.ErrStorageUnavailable):
		// Compute and let the write path retry or queue.
	default:
		return Result{}, err
	}

	rec, queued := f.queue.Get(s.SessionID)
	if !queued {
		rec = f.build(ctx, h, log)
	}

	if f.claimer != nil {
		won, err := f.claimer.Claim(ctx, s.SessionID)
		switch {
		case err != nil:
			log.Warn("finalize claim unavailable, writing without it", "err", err)
		case !won:
			other, err := f.repo.GetCallLog(ctx, s.SessionID)
			if err != nil {
				return Result{}, fmt.Errorf("%w: session %s claimed by another writer", calls.ErrFinalizeConflict, s.SessionID)
			}
			f.remember(other)
			return Result{Record: other, Outcome: OutcomeConflict}, nil
		}
	}

	var (
		saved    calls.LogRecord
		inserted bool
	)
	err = f.backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		saved, inserted, err = f.repo.SaveCallLog(ctx, rec)
		return err
	})
	if err != nil {
		if f.claimer != nil {
			if rerr := f.claimer.Release(context.WithoutCancel(ctx), s.SessionID); rerr != nil {
				log.Warn("release finalize claim failed", "err", rerr)
			}
		}
		if errors.Is(err, calls.ErrStorageUnavailable) {
			f.queue.Put(rec)
			f.metrics.SetRetryQueue(f.queue.Len())
			// The registry is free to evict the session; the queue owns the record now.
			f.sessions.MarkFinalized(s.RoomID, s.SessionID)
			log.Error("call log write failed, queued for retry", "err", err)
			return Result{Record: rec, Outcome: OutcomeQueued}, err
		}
		return Result{}, err
	}

	f.queue.Remove(s.SessionID)
	f.metrics.SetRetryQueue(f.queue.Len())
	f.remember(saved)
	f.sessions.MarkFinalized(s.RoomID, s.SessionID)

	if !inserted {
		return Result{Record: saved, Outcome: OutcomeAlreadyFinalized}, nil
	}
	log.Info("call finalized",
		"duration_seconds", saved.DurationSeconds,
		"interrupt_count", saved.InterruptCount,
		"was_booked", saved.WasBooked,
	)
	f.notify(saved)
	return Result{Record: saved, Outcome: OutcomeWritten}, nil
}

// build computes the record. Collaborator failures degrade the affected
// field instead of failing the finalize.
func (f *Finalizer) build(ctx context.Context, h session.Handoff, log *slog.Logger) calls.LogRecord {
	s := h.Session
	rec := baseRecord(s, h.Turns, h.Interrupts, f.loc, f.codec, f.now())

	if f.outcomes != nil {
		booked, err := f.outcomes.WasBooked(ctx, s)
		if err != nil {
			log.Warn("booking outcome unavailable", "err", err)
		}
		rec.WasBooked = booked
	}

	if f.sentiment != nil {
		sctx, cancel := context.WithTimeout(ctx, f.sentimentTimeout)
		label, err := f.sentiment.Classify(sctx, rec.Transcript)
		cancel()
		if err != nil {
			log.Warn("sentiment classification failed", "err", err)
		} else {
			rec.Sentiment = &label
		}
	}

	if f.cost != nil {
		cost, err := f.cost.EstimateCost(ctx, rec.DurationSeconds, utf8.RuneCountInString(rec.Transcript), s.StartedAt)
		if err != nil {
			log.Warn("cost estimation failed", "err", err)
		} else {
			rec.EstimatedCostUSD = &cost
		}
	}
	return rec
}

// stored returns the written record for sessionID from memory or the store.
func (f *Finalizer) stored(ctx context.Context, sessionID string) (calls.LogRecord, bool) {
	if v, ok := f.done.Get(sessionID); ok {
		return v.(calls.LogRecord), true
	}
	rec, err := f.repo.GetCallLog(ctx, sessionID)
	if err != nil {
		return calls.LogRecord{}, false
	}
	f.remember(rec)
	return rec, true
}

func (f *Finalizer) remember(rec calls.LogRecord) {
	f.done.SetDefault(rec.SessionID, rec)
}

// notify delivers the webhook in the background; failures are only logged.
func (f *Finalizer) notify(rec calls.LogRecord) {
	if f.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.notifyTimeout)
		defer cancel()
		err := f.notifier.CallCompleted(ctx, rec)
		f.metrics.WebhookDelivered(err == nil)
		if err != nil {
			logger.ForRoom(f.log, rec.RoomID).Warn("call_completed webhook failed", "err", err)
		}
	}()
}

// Enrich patches sentiment and cost onto the room's latest record.
func (f *Finalizer) Enrich(ctx context.Context, roomID string, e calls.Enrichment) (calls.LogRecord, error) {
	if e.Empty() {
		return calls.LogRecord{}, fmt.Errorf("%w: empty enrichment", calls.ErrInvalidArgument)
	}
	if rec, ok := f.queue.LatestForRoom(roomID); ok {
		rec = e.Apply(rec)
		f.queue.Put(rec)
		return rec, nil
	}

	latest, err := f.repo.LatestCallLog(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return calls.LogRecord{}, fmt.Errorf("%w: no call log for room %q", calls.ErrUnknownSession, roomID)
	}
	if err != nil {
		return calls.LogRecord{}, err
	}
	patched, err := f.repo.PatchEnrichment(ctx, latest.SessionID, e)
	if err != nil {
		return calls.LogRecord{}, err
	}
	f.remember(patched)
	return patched, nil
}

// RetryPending writes queued records once each, oldest first, and returns how
// many were written. It stops at the first storage outage.
func (f *Finalizer) RetryPending(ctx context.Context) (int, error) {
	written := 0
	defer func() { f.metrics.SetRetryQueue(f.queue.Len()) }()

	for _, rec := range f.queue.Snapshot() {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		log := logger.ForRoom(f.log, rec.RoomID).With("session_id", rec.SessionID)

		saved, inserted, err := f.repo.SaveCallLog(ctx, rec)
		if errors.Is(err, calls.ErrStorageUnavailable) {
			log.Warn("retry write still failing", "attempts", f.queue.Bump(rec.SessionID), "err", err)
			return written, err
		}
		if err != nil {
			log.Error("dropping call log after permanent write error", "err", err)
			f.queue.Remove(rec.SessionID)
			continue
		}
		f.queue.Remove(rec.SessionID)
		f.remember(saved)
		written++
		if inserted {
			log.Info("queued call log written")
			f.notify(saved)
		}
	}
	return written, nil
}

type nopMetrics struct{}

func (nopMetrics) Finalized(string, float64) {}
func (nopMetrics) SetRetryQueue(int)         {}
func (nopMetrics) WebhookDelivered(bool)     {}
