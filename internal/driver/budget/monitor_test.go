package budget

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChargeCrossingLimitAborts(t *testing.T) {
	m := New()
	require.NoError(t, m.Begin(Limits{Cost: 100}))

	require.NoError(t, m.Charge(60))
	require.NoError(t, m.Charge(40), "reaching the limit exactly is allowed")
	require.Equal(t, int64(0), m.Remaining())

	err := m.Charge(1)
	require.ErrorIs(t, err, ErrEvalCostExceeded)
	require.ErrorIs(t, m.Charge(1), ErrEvalCostExceeded, "abort is sticky within the episode")
	require.Error(t, m.Context().Err())

	res := m.End()
	require.Equal(t, int64(101), res.Used)
	require.ErrorIs(t, res.Err, ErrEvalCostExceeded)
	require.False(t, m.Active())
}

func TestCounterResetsBetweenEpisodes(t *testing.T) {
	m := New()
	require.NoError(t, m.Begin(Limits{Cost: 10}))
	require.Error(t, m.Charge(11))
	m.End()

	require.NoError(t, m.Begin(Limits{Cost: 10}))
	require.Equal(t, int64(0), m.Used())
	require.NoError(t, m.Charge(5))
	require.NoError(t, m.Check())
	res := m.End()
	require.NoError(t, res.Err)
	require.Equal(t, int64(5), res.Used)
}

func TestBeginWhileActive(t *testing.T) {
	m := New()
	require.NoError(t, m.Begin(Limits{Cost: 10}))
	require.ErrorIs(t, m.Begin(Limits{Cost: 10}), ErrAlreadyActive)
	m.End()
	require.ErrorIs(t, m.Charge(1), ErrNotActive)
}

func TestSpentShareAbortsImmediately(t *testing.T) {
	m := New()
	require.ErrorIs(t, m.Begin(Limits{Cost: 0}), ErrEvalCostExceeded)
	require.ErrorIs(t, m.Charge(1), ErrEvalCostExceeded)
	m.End()

	require.ErrorIs(t, m.Begin(Limits{Cost: 10, Time: -1}), ErrEvalTimeExceeded)
	m.End()
}

func TestWatchdogAbortsWithoutCharges(t *testing.T) {
	m := New()
	var hooked atomic.Int32
	var hookErr atomic.Value
	m.OnAbort(func(err error) {
		hooked.Add(1)
		hookErr.Store(err)
	})

	require.NoError(t, m.Begin(Limits{Cost: 1000, Time: 20 * time.Millisecond}))
	ctx := m.Context()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	require.ErrorIs(t, m.Check(), ErrEvalTimeExceeded)
	require.ErrorIs(t, m.Charge(1), ErrEvalTimeExceeded)
	require.Equal(t, int32(1), hooked.Load())
	require.True(t, errors.Is(hookErr.Load().(error), ErrEvalTimeExceeded))

	res := m.End()
	require.ErrorIs(t, res.Err, ErrEvalTimeExceeded)
}

func TestStaleWatchdogIsIgnored(t *testing.T) {
	m := New()
	var hooked atomic.Int32
	m.OnAbort(func(error) { hooked.Add(1) })

	require.NoError(t, m.Begin(Limits{Cost: 1000, Time: 10 * time.Millisecond}))
	m.End()
	// The old timer was stopped; even if it raced, its generation is stale.
	m.expire(1)

	require.NoError(t, m.Begin(Limits{Cost: 1000}))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Check())
	m.End()
	require.Equal(t, int32(0), hooked.Load())
}

func TestEndWaitsForAbortHooks(t *testing.T) {
	m := New()
	entered := make(chan struct{})
	release := make(chan struct{})
	m.OnAbort(func(error) {
		close(entered)
		<-release
	})

	require.NoError(t, m.Begin(Limits{Cost: 1000, Time: 5 * time.Millisecond}))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}

	ended := make(chan Result, 1)
	go func() { ended <- m.End() }()
	select {
	case <-ended:
		t.Fatal("End returned while an abort hook was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case res := <-ended:
		require.ErrorIs(t, res.Err, ErrEvalTimeExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("End did not return after the hook finished")
	}
	require.False(t, m.Active())
}

func TestCaptureShare(t *testing.T) {
	base := time.Unix(1000, 0)
	now := base
	m := New(WithClock(func() time.Time { return now }))

	require.False(t, Share{}.Set())
	require.False(t, m.Capture().Set(), "no episode, no share")

	require.NoError(t, m.Begin(Limits{Cost: 100, Time: time.Hour}))
	require.NoError(t, m.Charge(30))
	now = base.Add(10 * time.Minute)

	s := m.Capture()
	require.True(t, s.Set())
	require.Equal(t, int64(70), s.Cost)
	require.Equal(t, 50*time.Minute, s.Time)
	m.End()

	require.NoError(t, m.Begin(Limits{Cost: 5}))
	require.Error(t, m.Charge(10))
	s = m.Capture()
	require.Equal(t, int64(0), s.Cost)
	require.Equal(t, time.Duration(0), s.Time, "watchdog disabled stays disabled")
	m.End()
}

func TestIsExceeded(t *testing.T) {
	require.True(t, IsExceeded(ErrEvalCostExceeded))
	require.True(t, IsExceeded(errors.Join(errors.New("ctx"), ErrEvalTimeExceeded)))
	require.False(t, IsExceeded(errors.New("script error")))
}
