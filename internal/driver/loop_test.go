package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mudclock/internal/driver/callout"
	"mudclock/internal/entity"
)

func TestLoopSerializesHostCalls(t *testing.T) {
	exec := newFakeExec()
	opts := testOptions()
	opts.PassInterval = 5 * time.Millisecond
	opts.HeartbeatInterval = 20 * time.Millisecond
	d, err := New(opts, exec)
	require.NoError(t, err)

	var passes atomic.Int64
	lp := NewLoop(d, WithAfterPass(func(PassStats) { passes.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- lp.Run(ctx) }()

	o := entity.NewObject("obj#1", "obj")
	var h callout.Handle
	require.NoError(t, lp.Do(ctx, func(d *Driver) error {
		var err error
		h, err = d.ScheduleCallOut(callout.Request{Owner: o, Callback: "ping"})
		return err
	}))
	require.NotZero(t, h)
	require.NoError(t, lp.Submit(func(d *Driver) { _ = d.EnableHeartbeat(o) }))

	require.Eventually(t, func() bool {
		var n int
		_ = lp.Do(ctx, func(*Driver) error {
			n = exec.count("ping") + exec.count(LabelHeartbeat)
			return nil
		})
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Positive(t, passes.Load())

	boom := errors.New("boom")
	require.ErrorIs(t, lp.Do(ctx, func(*Driver) error { return boom }), boom)
	require.ErrorIs(t, lp.Do(ctx, func(*Driver) error { panic("bad call") }), ErrPanic)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	<-lp.Done()
	require.Equal(t, StateShuttingDown, d.State())
	require.ErrorIs(t, lp.Submit(func(*Driver) {}), ErrLoopStopped)
	require.ErrorIs(t, lp.Do(context.Background(), func(*Driver) error { return nil }), ErrLoopStopped)
}
