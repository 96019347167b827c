package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"calltrack/internal/calls"
)

func TestAppend_RejectsUnknownRoomAndRole(t *testing.T) {
	reg, in := newTestRegistry(newFakeClock(), nil)

	_, err := in.Append("ghost", calls.RoleUser, "hi", time.Time{})
	require.ErrorIs(t, err, calls.ErrUnknownSession)

	_, err = reg.Open("room-1", "+1555", "")
	require.NoError(t, err)
	_, err = in.Append("room-1", calls.Role("system"), "you are helpful", time.Time{})
	require.ErrorIs(t, err, calls.ErrInvalidRole)

	turns, err := in.Transcript("room-1")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAppend_GraceWindowThenStale(t *testing.T) {
	clock := newFakeClock()
	reg, in := newTestRegistry(clock, nil)
	_, err := reg.Open("room-1", "+1555", "")
	require.NoError(t, err)
	_, err = reg.Close("room-1")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	_, err = in.Append("room-1", calls.RoleAssistant, "goodbye", time.Time{})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = in.Append("room-1", calls.RoleAssistant, "too late", time.Time{})
	require.ErrorIs(t, err, calls.ErrStaleSession)

	turns, err := in.Transcript("room-1")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestAppend_ZeroTimestampMeansNow(t *testing.T) {
	clock := newFakeClock()
	reg, in := newTestRegistry(clock, nil)
	_, err := reg.Open("room-1", "+1555", "")
	require.NoError(t, err)

	turn, err := in.Append("room-1", calls.RoleUser, "hi", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), turn.CreatedAt)
	assert.NotEmpty(t, turn.ID)
	assert.Equal(t, "+1555", turn.Phone)
}

func TestInterrupts_AlternatingSubThresholdTurns(t *testing.T) {
	clock := newFakeClock()
	reg, in := newTestRegistry(clock, nil)
	_, err := reg.Open("room-1", "+1555", "")
	require.NoError(t, err)

	const n = 12
	base := clock.Now()
	for i := 0; i < n; i++ {
		role := calls.RoleUser
		if i%2 == 1 {
			role = calls.RoleAssistant
		}
		_, err := in.Append("room-1", role, "x", base.Add(time.Duration(i)*100*time.Millisecond))
		require.NoError(t, err)
	}
	_, err = reg.Close("room-1")
	require.NoError(t, err)

	got, err := in.Interrupts("room-1")
	require.NoError(t, err)
	assert.Equal(t, n-1, got)
}

func TestInterrupts_ThresholdIsStrict(t *testing.T) {
	clock := newFakeClock()
	reg, in := newTestRegistry(clock, nil)
	_, err := reg.Open("room-1", "+1555", "")
	require.NoError(t, err)

	base := clock.Now()
	_, err = in.Append("room-1", calls.RoleAssistant, "let me check", base)
	require.NoError(t, err)
	_, err = in.Append("room-1", calls.RoleUser, "wait", base.Add(DefaultInterruptThreshold))
	require.NoError(t, err)
	_, err = in.Append("room-1", calls.RoleUser, "actually", base.Add(DefaultInterruptThreshold+10*time.Millisecond))
	require.NoError(t, err)

	got, err := in.Interrupts("room-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

// Incremental maintenance must agree with a full recount however arrivals
// are shuffled.
func TestInterrupts_OutOfOrderArrivalMatchesRecount(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		clock := newFakeClock()
		reg, in := newTestRegistry(clock, nil)
		_, err := reg.Open("room-1", "+1555", "")
		require.NoError(t, err)

		base := clock.Now()
		type pending struct {
			role calls.Role
			ts   time.Time
		}
		var all []pending
		for i := 0; i < 30; i++ {
			role := calls.RoleUser
			if rng.Intn(2) == 0 {
				role = calls.RoleAssistant
			}
			all = append(all, pending{role, base.Add(time.Duration(rng.Intn(6000)) * time.Millisecond)})
		}
		rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
		for _, p := range all {
			_, err := in.Append("room-1", p.role, "x", p.ts)
			require.NoError(t, err)
		}

		turns, err := in.Transcript("room-1")
		require.NoError(t, err)
		want := 0
		for i := 1; i < len(turns); i++ {
			require.False(t, turns[i].Before(turns[i-1]), "transcript out of order at %d", i)
			if interrupted(turns[i-1], turns[i], DefaultInterruptThreshold) {
				want++
			}
		}
		got, err := in.Interrupts("room-1")
		require.NoError(t, err)
		assert.Equal(t, want, got, "trial %d", trial)
	}
}

func TestAppend_ConcurrentWritersKeepOrder(t *testing.T) {
	clock := newFakeClock()
	reg, in := newTestRegistry(clock, nil)
	_, err := reg.Open("room-1", "+1555", "")
	require.NoError(t, err)

	base := clock.Now()
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		i := i
		g.Go(func() error {
			role := calls.RoleUser
			if i%3 == 0 {
				role = calls.RoleAssistant
			}
			_, err := in.Append("room-1", role, "x", base.Add(time.Duration(99-i)*time.Second))
			return err
		})
	}
	require.NoError(t, g.Wait())

	turns, err := in.Transcript("room-1")
	require.NoError(t, err)
	require.Len(t, turns, 100)
	for i := 1; i < len(turns); i++ {
		assert.True(t, turns[i-1].CreatedAt.Before(turns[i].CreatedAt))
	}
}

func TestScenario_AliceCallHasNoInterrupts(t *testing.T) {
	clock := newFakeClock()
	reg, in := newTestRegistry(clock, nil)

	_, err := reg.Open("room-1", "+15551234567", "Alice")
	require.NoError(t, err)
	_, err = reg.Update("room-1", calls.StatusActive)
	require.NoError(t, err)

	t0 := clock.Now().Add(time.Second)
	_, err = in.Append("room-1", calls.RoleUser, "hi", t0)
	require.NoError(t, err)
	_, err = in.Append("room-1", calls.RoleAssistant, "hello", t0.Add(2*time.Second))
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	_, err = reg.Close("room-1")
	require.NoError(t, err)

	h, err := reg.Handoff("room-1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, h.Interrupts)
	assert.Len(t, h.Turns, 2)
	assert.Equal(t, "Alice", h.Session.CallerName)
	assert.Equal(t, 5*time.Second, h.Session.Duration())
}
