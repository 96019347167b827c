package janitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calltrack/internal/calls"
	"calltrack/internal/finalize"
	"calltrack/internal/session"
	"calltrack/internal/store"
)

type env struct {
	now  time.Time
	reg  *session.Registry
	repo *store.MemoryRepo
	fin  *finalize.Finalizer
	jan  *Janitor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), repo: store.NewMemoryRepo()}
	clock := func() time.Time { return e.now }
	e.reg = session.NewRegistry(session.Options{
		GraceWindow:  30 * time.Second,
		TombstoneTTL: 5 * time.Minute,
		Clock:        clock,
	})
	fin, err := finalize.New(finalize.Options{
		Repo:     e.repo,
		Sessions: e.reg,
		Backoff:  finalize.Backoff{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 1},
		Clock:    clock,
	})
	require.NoError(t, err)
	e.fin = fin
	e.jan, err = New(e.reg, e.fin, Options{OrphanAge: time.Minute, Clock: clock})
	require.NoError(t, err)
	return e
}

func (e *env) endCall(t *testing.T, room string) calls.Session {
	t.Helper()
	_, err := e.reg.Open(room, "+1555", "")
	require.NoError(t, err)
	s, err := e.reg.Close(room)
	require.NoError(t, err)
	return s
}

func TestSweep_FinalizesOrphansAfterAge(t *testing.T) {
	e := newEnv(t)
	s := e.endCall(t, "room-1")
	ctx := context.Background()

	require.NoError(t, e.jan.Sweep(ctx))
	assert.Equal(t, 0, e.repo.Saves(), "too young to be an orphan")

	e.now = e.now.Add(2 * time.Minute)
	require.NoError(t, e.jan.Sweep(ctx))
	assert.Equal(t, 1, e.repo.Saves())
	_, err := e.repo.GetCallLog(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Empty(t, e.reg.Unfinalized(e.now, 0))

	require.NoError(t, e.jan.Sweep(ctx))
	assert.Equal(t, 1, e.repo.Saves(), "finalized sessions are not revisited")
}

func TestSweep_FinalizesSessionDisplacedByReopen(t *testing.T) {
	e := newEnv(t)
	first := e.endCall(t, "room-1")
	_, err := e.reg.Open("room-1", "+1666", "")
	require.NoError(t, err)
	ctx := context.Background()

	e.now = e.now.Add(2 * time.Minute)
	require.NoError(t, e.jan.Sweep(ctx))

	_, err = e.repo.GetCallLog(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.repo.Saves())
	assert.Empty(t, e.reg.Unfinalized(e.now, 0))
}

func TestSweep_EvictsExpiredTombstones(t *testing.T) {
	e := newEnv(t)
	e.endCall(t, "room-1")

	e.now = e.now.Add(10 * time.Minute)
	require.NoError(t, e.jan.Sweep(context.Background()))

	_, err := e.reg.Handoff("room-1", "")
	assert.ErrorIs(t, err, calls.ErrUnknownSession)
	assert.Equal(t, 1, e.repo.Saves(), "orphan finalized before eviction")
}

func TestRetry_DrainsQueue(t *testing.T) {
	e := newEnv(t)
	e.endCall(t, "room-1")
	ctx := context.Background()

	e.repo.FailSaves(1, fmt.Errorf("%w: connection reset", calls.ErrStorageUnavailable))
	res, err := e.fin.Finalize(ctx, "room-1")
	require.ErrorIs(t, err, calls.ErrStorageUnavailable)
	require.Equal(t, finalize.OutcomeQueued, res.Outcome)

	require.NoError(t, e.jan.Retry(ctx))
	assert.Equal(t, 0, e.fin.Queue().Len())
	assert.Equal(t, 1, e.repo.Saves())
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	e := newEnv(t)
	_, err := New(e.reg, e.fin, Options{SweepSchedule: "every now and then"})
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	e.jan.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.jan.Stop(ctx))
}
