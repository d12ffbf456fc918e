package reset

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mudclock/internal/entity"
)

var t0 = time.Unix(1_700_000_000, 0)

func seeded() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func TestFixedTimingIsExact(t *testing.T) {
	s := New(Options{Interval: time.Minute})
	e := entity.NewObject("room#1", "room")
	require.True(t, s.Register(e, t0))

	due, ok := s.Next(e)
	require.True(t, ok)
	require.Equal(t, t0.Add(time.Minute), due)

	require.Empty(t, s.DueBefore(t0.Add(59*time.Second)))
	fireAt := t0.Add(61 * time.Second)
	require.Equal(t, []entity.Ref{e}, s.DueBefore(fireAt))

	due, _ = s.Next(e)
	require.Equal(t, fireAt.Add(time.Minute), due, "next due counts from the reset")
	rec, _ := s.Get(e)
	require.Equal(t, 1, rec.Count)
	require.Equal(t, fireAt, rec.Last)
}

func TestRandomizedTimingRange(t *testing.T) {
	const interval = 10 * time.Minute
	s := New(Options{Interval: interval, Randomized: true, Rand: seeded()})
	for i := 0; i < 500; i++ {
		e := entity.NewObject("obj", "obj")
		s.Register(e, t0)
		due, ok := s.Next(e)
		require.True(t, ok)
		d := due.Sub(t0)
		require.GreaterOrEqual(t, d, interval/2)
		require.Less(t, d, interval)
	}
}

func TestEagerOrderByDue(t *testing.T) {
	s := New(Options{Interval: time.Minute})
	a := entity.NewObject("a#1", "a")
	b := entity.NewObject("b#1", "b")
	c := entity.NewObject("c#1", "c")
	s.Register(b, t0)
	s.Register(a, t0.Add(-10*time.Second))
	s.Register(c, t0)

	require.Equal(t, []entity.Ref{a, b, c}, s.DueBefore(t0.Add(time.Minute)))
	require.Empty(t, s.DueBefore(t0.Add(time.Minute)))
}

func TestLazyResetNeedsTouchAfterDue(t *testing.T) {
	s := New(Options{Interval: time.Minute, Lazy: true})
	touchedEarly := entity.NewObject("a#1", "a")
	touchedLate := entity.NewObject("b#1", "b")
	untouched := entity.NewObject("c#1", "c")
	for _, e := range []entity.Ref{touchedEarly, touchedLate, untouched} {
		s.Register(e, t0)
	}

	require.False(t, s.Touch(touchedEarly, t0.Add(30*time.Second)))
	require.Empty(t, s.DueBefore(t0.Add(time.Hour)), "lazy resets never fire eagerly")

	require.True(t, s.Touch(touchedLate, t0.Add(2*time.Minute)))
	require.False(t, s.Touch(touchedLate, t0.Add(2*time.Minute+time.Second)), "exactly one reset")

	rec, _ := s.Get(untouched)
	require.Zero(t, rec.Count)
	rec, _ = s.Get(touchedEarly)
	require.Zero(t, rec.Count)
}

func TestDisabled(t *testing.T) {
	s := New(Options{Interval: time.Second, Disabled: true, Lazy: true})
	e := entity.NewObject("a#1", "a")
	require.True(t, s.Register(e, t0))
	require.False(t, s.Touch(e, t0.Add(time.Hour)))
	require.Empty(t, s.DueBefore(t0.Add(time.Hour)))
	_, ok := s.Next(e)
	require.False(t, ok)
}

func TestRemoveAndDestructed(t *testing.T) {
	s := New(Options{Interval: time.Second})
	a := entity.NewObject("a#1", "a")
	b := entity.NewObject("b#1", "b")
	s.Register(a, t0)
	s.Register(b, t0)
	require.Equal(t, 2, s.Len())

	require.True(t, s.Remove(a))
	require.False(t, s.Remove(a))
	b.Destruct()
	require.Empty(t, s.DueBefore(t0.Add(time.Minute)))
	require.Zero(t, s.Len())
}

func TestCompleteDefersNextReset(t *testing.T) {
	s := New(Options{Interval: time.Minute})
	e := entity.NewObject("a#1", "a")
	s.Register(e, t0)
	require.True(t, s.Complete(e, t0.Add(50*time.Second)))
	require.Empty(t, s.DueBefore(t0.Add(time.Minute)))
	require.Equal(t, []entity.Ref{e}, s.DueBefore(t0.Add(110*time.Second)))
}
