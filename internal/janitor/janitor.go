package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"calltrack/internal/calls"
	"calltrack/internal/finalize"
	"calltrack/pkg/logger"
)

const (
	DefaultSweepSchedule = "@every 30s"
	DefaultRetrySchedule = "@every 1m"
)

// Sessions is the registry surface the janitor maintains.
type Sessions interface {
	Unfinalized(now time.Time, minAge time.Duration) []calls.Session
	Sweep(now time.Time) int
}

// Finalizer is the finalize surface the janitor drives.
type Finalizer interface {
	FinalizeSession(ctx context.Context, roomID, sessionID string) (finalize.Result, error)
	RetryPending(ctx context.Context) (int, error)
}

type Options struct {
	SweepSchedule string
	RetrySchedule string
	// OrphanAge is how long an ended session may stay unfinalized before the
	// janitor finalizes it itself. Defaults to one minute.
	OrphanAge  time.Duration
	JobTimeout time.Duration
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Janitor runs background maintenance on a cron schedule:
// - finalizing sessions whose close never reached the finalizer
// - evicting expired tombstones
// - draining the finalize retry queue
type Janitor struct {
	sessions  Sessions
	finalizer Finalizer
	opts      Options
	log       *slog.Logger
	cron      *cron.Cron
}

func New(sessions Sessions, finalizer Finalizer, opts Options) (*Janitor, error) {
	if sessions == nil || finalizer == nil {
		return nil, errors.New("janitor: sessions and finalizer are required")
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = DefaultSweepSchedule
	}
	if opts.RetrySchedule == "" {
		opts.RetrySchedule = DefaultRetrySchedule
	}
	if opts.OrphanAge <= 0 {
		opts.OrphanAge = time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	j := &Janitor{
		sessions:  sessions,
		finalizer: finalizer,
		opts:      opts,
		log:       opts.Logger.With("component", "janitor"),
	}
	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := j.cron.AddFunc(opts.SweepSchedule, j.job("sweep", j.Sweep)); err != nil {
		return nil, fmt.Errorf("janitor: sweep schedule %q: %w", opts.SweepSchedule, err)
	}
	if _, err := j.cron.AddFunc(opts.RetrySchedule, j.job("retry", j.Retry)); err != nil {
		return nil, fmt.Errorf("janitor: retry schedule %q: %w", opts.RetrySchedule, err)
	}
	return j, nil
}

func (j *Janitor) job(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.opts.JobTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			j.log.Warn("janitor job failed", "job", name, "err", err)
		}
	}
}

// Start begins running scheduled jobs in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info("janitor started", "sweep", j.opts.SweepSchedule, "retry", j.opts.RetrySchedule)
}

// Stop prevents new runs and waits for a running job, or for ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep finalizes orphaned sessions, then evicts expired tombstones.
func (j *Janitor) Sweep(ctx context.Context) error {
	now := j.opts.Clock().UTC()

	var errs []error
	for _, s := range j.sessions.Unfinalized(now, j.opts.OrphanAge) {
		res, err := j.finalizer.FinalizeSession(ctx, s.RoomID, s.SessionID)
		if err != nil && res.Outcome != finalize.OutcomeQueued {
			errs = append(errs, err)
			continue
		}
		logger.ForRoom(j.log, s.RoomID).Info("finalized orphaned session", "session_id", s.SessionID, "outcome", res.Outcome)
	}

	if n := j.sessions.Sweep(now); n > 0 {
		j.log.Debug("tombstones evicted", "count", n)
	}
	return errors.Join(errs...)
}

// Retry drains the finalize retry queue once.
func (j *Janitor) Retry(ctx context.Context) error {
	n, err := j.finalizer.RetryPending(ctx)
	if n > 0 {
		j.log.Info("queued call logs written", "count", n)
	}
	return err
}
