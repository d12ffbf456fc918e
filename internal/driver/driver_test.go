package driver

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mudclock/internal/driver/budget"
	"mudclock/internal/driver/callout"
	"mudclock/internal/entity"
	"mudclock/internal/eventbus"
)

var t0 = time.Unix(1_700_000_000, 0)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

type fakeExec struct {
	mu    sync.Mutex
	calls []Call
	fns   map[string]func(ep *Episode, c Call) (int64, error)
}

func newFakeExec() *fakeExec {
	return &fakeExec{fns: map[string]func(*Episode, Call) (int64, error){}}
}

func (f *fakeExec) on(label string, fn func(ep *Episode, c Call) (int64, error)) {
	f.fns[label] = fn
}

func (f *fakeExec) Execute(ep *Episode, c Call) (int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fn := f.fns[c.Label]
	f.mu.Unlock()
	if fn != nil {
		return fn(ep, c)
	}
	return 1, nil
}

func (f *fakeExec) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Label)
	}
	return out
}

func (f *fakeExec) count(label string) int {
	n := 0
	for _, l := range f.labels() {
		if l == label {
			n++
		}
	}
	return n
}

type reports struct {
	mu  sync.Mutex
	all []Report
}

func (r *reports) HandleError(rep Report) {
	r.mu.Lock()
	r.all = append(r.all, rep)
	r.mu.Unlock()
}

func (r *reports) list() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.all...)
}

func newTestDriver(t *testing.T, opts Options, exec Executor, extra ...Option) (*Driver, *reports) {
	t.Helper()
	rep := &reports{}
	o := append([]Option{WithErrorHandler(rep), WithClock(func() time.Time { return t0 })}, extra...)
	d, err := New(opts, exec, o...)
	require.NoError(t, err)
	return d, rep
}

func testOptions() Options {
	o := DefaultOptions()
	o.EvalCostLimit = 100
	o.MaxEvalTime = 0
	o.Rand = rand.New(rand.NewPCG(1, 2))
	return o
}

func mustSchedule(t *testing.T, d *Driver, req callout.Request) callout.Handle {
	t.Helper()
	h, err := d.ScheduleCallOut(req)
	require.NoError(t, err)
	return h
}

func TestLIFOFlaggedTieFiresBeforeLaterItems(t *testing.T) {
	exec := newFakeExec()
	d, rep := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")

	mustSchedule(t, d, callout.Request{Owner: o, Callback: "six", Delay: 6 * time.Second})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "five_a", Delay: 5 * time.Second})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "five_b", Delay: 5 * time.Second, Order: callout.OrderLIFO})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "three", Delay: 3 * time.Second})

	for s := 0; s <= 10; s++ {
		d.Pass(at(s))
	}
	require.Equal(t, []string{"three", "five_b", "five_a", "six"}, exec.labels())
	require.Empty(t, rep.list())
}

func TestCancelBeforeFire(t *testing.T) {
	exec := newFakeExec()
	d, _ := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")

	h := mustSchedule(t, d, callout.Request{Owner: o, Callback: "never", Delay: time.Second})
	fired := mustSchedule(t, d, callout.Request{Owner: o, Callback: "once", Delay: time.Second})
	require.True(t, d.CancelCallOut(h))

	d.Pass(at(2))
	require.Equal(t, []string{"once"}, exec.labels())
	require.False(t, d.CancelCallOut(fired))
	require.False(t, d.CancelCallOut(callout.Handle(12345)))
}

func TestCancelSiblingInSameBatch(t *testing.T) {
	exec := newFakeExec()
	d, _ := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")

	victim := mustSchedule(t, d, callout.Request{Owner: o, Callback: "victim", Delay: 2 * time.Second})
	ticker := mustSchedule(t, d, callout.Request{Owner: o, Callback: "ticker", Delay: 2 * time.Second, Repeat: time.Second})
	var cancelled []bool
	exec.on("killer", func(ep *Episode, c Call) (int64, error) {
		cancelled = append(cancelled, d.CancelCallOut(victim), d.CancelCallOut(ticker))
		return 1, nil
	})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "killer", Delay: time.Second})

	// All three are due in the same pass; killer runs first.
	d.Pass(at(3))
	require.Equal(t, []bool{true, true}, cancelled)
	require.Equal(t, []string{"killer"}, exec.labels())
	require.Zero(t, d.callouts.Len())

	d.Pass(at(10))
	require.Equal(t, []string{"killer"}, exec.labels(), "the repeating call-out has no later occurrence")
}

func TestShutdownMidBatchKeepsRestPending(t *testing.T) {
	exec := newFakeExec()
	d, _ := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")

	exec.on("stop", func(ep *Episode, c Call) (int64, error) {
		d.Shutdown()
		return 1, nil
	})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "stop", Delay: time.Second})
	rest := mustSchedule(t, d, callout.Request{Owner: o, Callback: "rest", Delay: time.Second})

	d.Pass(at(1))
	require.Equal(t, []string{"stop"}, exec.labels())
	_, ok := d.CallOutRemaining(rest)
	require.True(t, ok, "unfired call-out stays pending")
	require.Len(t, d.Snapshot().CallOuts, 1)
}

func TestLoopProtectionBoundsZeroDelayChain(t *testing.T) {
	exec := newFakeExec()
	d, rep := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")

	exec.on("again", func(ep *Episode, c Call) (int64, error) {
		_, err := d.ScheduleCallOut(callout.Request{Owner: c.Entity, Callback: "again"})
		return 10, err
	})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "again"})

	ps := d.Pass(t0)
	require.Equal(t, 10, exec.count("again"), "ten links fit in a budget of 100")
	require.Equal(t, 11, ps.CallOuts)
	require.Equal(t, 10, ps.Chained)
	require.Zero(t, d.callouts.Len())

	got := rep.list()
	require.Len(t, got, 1)
	require.True(t, got[0].Aborted)
	require.ErrorIs(t, got[0].Err, budget.ErrEvalCostExceeded)
	require.Equal(t, 10, got[0].Depth)
}

func TestWithoutLoopProtectionOneLinkPerPass(t *testing.T) {
	exec := newFakeExec()
	opts := testOptions()
	opts.LoopProtection = false
	d, rep := newTestDriver(t, opts, exec)
	o := entity.NewObject("obj#1", "obj")

	exec.on("again", func(ep *Episode, c Call) (int64, error) {
		_, err := d.ScheduleCallOut(callout.Request{Owner: c.Entity, Callback: "again"})
		return 10, err
	})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "again"})

	for i := 0; i < 50; i++ {
		ps := d.Pass(t0.Add(time.Duration(i) * 100 * time.Millisecond))
		require.Equal(t, 1, ps.CallOuts)
	}
	require.Equal(t, 50, exec.count("again"))
	require.Empty(t, rep.list())
	require.Equal(t, 1, d.callouts.Len())
}

func TestBudgetAbortScenario(t *testing.T) {
	exec := newFakeExec()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	d, rep := newTestDriver(t, testOptions(), exec, WithBus(bus))

	hog := entity.NewObject("hog#1", "hog")
	other := entity.NewObject("other#1", "other")
	exec.on(LabelHeartbeat, func(ep *Episode, c Call) (int64, error) {
		if c.Entity == hog {
			return 150, nil
		}
		return 1, nil
	})
	require.NoError(t, d.EnableHeartbeat(hog))
	mustSchedule(t, d, callout.Request{Owner: other, Callback: "unrelated", Delay: 2 * time.Second})

	for ms := 0; ms <= 3000; ms += 100 {
		d.Pass(t0.Add(time.Duration(ms) * time.Millisecond))
	}

	got := rep.list()
	require.Len(t, got, 1, "abort reported exactly once")
	require.True(t, got[0].Aborted)
	require.Equal(t, "hog#1", got[0].Entity)
	require.Equal(t, "heart_beat", got[0].Kind)
	require.Equal(t, int64(150), got[0].Cost)

	require.False(t, d.HeartbeatEnabled(hog))
	require.True(t, d.hb.Suppressed(hog))
	require.Equal(t, 1, exec.count("unrelated"))
	require.Equal(t, 1, exec.count(LabelHeartbeat))

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.Equal(t, []string{eventbus.HeartbeatSuppressed, eventbus.EpisodeAborted}, types)
}

func TestHeartbeatIntervalAndMidTickDisable(t *testing.T) {
	exec := newFakeExec()
	d, _ := newTestDriver(t, testOptions(), exec)
	a := entity.NewObject("a#1", "a")
	b := entity.NewObject("b#1", "b")

	var seen []string
	exec.on(LabelHeartbeat, func(ep *Episode, c Call) (int64, error) {
		seen = append(seen, c.Entity.ID())
		if c.Entity == a && len(seen) == 1 {
			d.DisableHeartbeat(b)
		}
		return 1, nil
	})
	require.NoError(t, d.EnableHeartbeat(a))
	require.NoError(t, d.EnableHeartbeat(b))

	for ms := 0; ms <= 3000; ms += 100 {
		d.Pass(t0.Add(time.Duration(ms) * time.Millisecond))
	}
	require.Equal(t, []string{"a#1", "b#1", "a#1", "a#1"}, seen)
}

func TestEagerResets(t *testing.T) {
	exec := newFakeExec()
	opts := testOptions()
	opts.RandomizedResets = false
	opts.ResetInterval = time.Minute
	d, _ := newTestDriver(t, opts, exec)
	room := entity.NewObject("room#1", "room")

	require.True(t, d.RegisterForReset(room))
	d.Pass(at(59))
	require.Zero(t, exec.count(LabelReset))
	d.Pass(at(60))
	require.Equal(t, 1, exec.count(LabelReset))
	d.Pass(at(119))
	require.Equal(t, 1, exec.count(LabelReset))
	d.Pass(at(120))
	require.Equal(t, 2, exec.count(LabelReset))
}

func TestLazyResetTouch(t *testing.T) {
	exec := newFakeExec()
	opts := testOptions()
	opts.LazyResets = true
	opts.RandomizedResets = false
	opts.ResetInterval = time.Minute
	now := t0
	d, _ := newTestDriver(t, opts, exec, WithClock(func() time.Time { return now }))
	room := entity.NewObject("room#1", "room")
	d.RegisterForReset(room)

	now = at(30)
	fired, err := d.TouchReset(room)
	require.NoError(t, err)
	require.False(t, fired)

	d.Pass(at(300))
	require.Zero(t, exec.count(LabelReset), "untouched lazy entity never resets")

	now = at(301)
	fired, err = d.TouchReset(room)
	require.NoError(t, err)
	require.True(t, fired)
	fired, _ = d.TouchReset(room)
	require.False(t, fired)
	require.Equal(t, 1, exec.count(LabelReset))
}

func TestNestedResetSharesEpisodeBudget(t *testing.T) {
	exec := newFakeExec()
	opts := testOptions()
	opts.LazyResets = true
	opts.RandomizedResets = false
	opts.ResetInterval = time.Second
	d, rep := newTestDriver(t, opts, exec)
	room := entity.NewObject("room#1", "room")
	player := entity.NewObject("player#1", "player")
	d.RegisterForReset(room)

	exec.on(LabelReset, func(ep *Episode, c Call) (int64, error) {
		require.Equal(t, KindCallOut, ep.Kind)
		return 60, nil
	})
	exec.on("enter", func(ep *Episode, c Call) (int64, error) {
		fired, err := d.TouchReset(room)
		require.True(t, fired)
		require.NoError(t, err)
		return 50, nil
	})
	mustSchedule(t, d, callout.Request{Owner: player, Callback: "enter", Delay: 2 * time.Second})
	d.Pass(at(2))

	got := rep.list()
	require.Len(t, got, 1, "60 nested + 50 exceeds 100")
	require.Equal(t, "enter", got[0].Label)
	require.True(t, got[0].Aborted)
}

func TestPanicIsContained(t *testing.T) {
	exec := newFakeExec()
	d, rep := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")
	exec.on("boom", func(*Episode, Call) (int64, error) { panic("kaboom") })
	exec.on("fail", func(*Episode, Call) (int64, error) { return 1, errors.New("script error") })

	mustSchedule(t, d, callout.Request{Owner: o, Callback: "boom"})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "fail"})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "fine"})
	d.Pass(t0)

	require.Equal(t, []string{"boom", "fail", "fine"}, exec.labels())
	got := rep.list()
	require.Len(t, got, 2)
	require.ErrorIs(t, got[0].Err, ErrPanic)
	require.NotEmpty(t, got[0].Stack)
	require.False(t, got[0].Aborted)
	require.EqualError(t, got[1].Err, "script error")
	require.Equal(t, StateIdle, d.State())
}

func TestWatchdogAbortsRunawayEpisode(t *testing.T) {
	exec := newFakeExec()
	opts := testOptions()
	opts.MaxEvalTime = 20 * time.Millisecond
	d, rep := newTestDriver(t, opts, exec)
	var hooked sync.WaitGroup
	hooked.Add(1)
	d.OnAbort(func(error) { hooked.Done() })

	o := entity.NewObject("obj#1", "obj")
	exec.on("spin", func(ep *Episode, c Call) (int64, error) {
		select {
		case <-ep.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return 1, ep.Check()
	})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "spin"})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "after"})
	d.Pass(t0)
	hooked.Wait()

	got := rep.list()
	require.Len(t, got, 1)
	require.True(t, got[0].Aborted)
	require.ErrorIs(t, got[0].Err, budget.ErrEvalTimeExceeded)
	require.Equal(t, 1, exec.count("after"))
}

func TestActorInCallOut(t *testing.T) {
	for _, keep := range []bool{true, false} {
		exec := newFakeExec()
		opts := testOptions()
		opts.ActorInCallOut = keep
		d, _ := newTestDriver(t, opts, exec)
		o := entity.NewObject("obj#1", "obj")
		p := entity.NewObject("player#1", "player")

		mustSchedule(t, d, callout.Request{Owner: o, Callback: "greet", Actor: p})
		d.Pass(t0)
		got := exec.calls[0].Actor
		if keep {
			require.Equal(t, entity.Ref(p), got)
		} else {
			require.Nil(t, got)
		}
	}
}

func TestDestructEntityDropsEverything(t *testing.T) {
	exec := newFakeExec()
	d, rep := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "x", Delay: time.Second})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "y", Delay: 2 * time.Second})
	require.NoError(t, d.EnableHeartbeat(o))
	d.RegisterForReset(o)

	require.Equal(t, 2, d.DestructEntity(o))
	require.True(t, o.Destructed())
	for s := 0; s <= 3600; s += 60 {
		d.Pass(at(s))
	}
	require.Empty(t, exec.labels())
	require.Empty(t, rep.list())
	require.Error(t, d.EnableHeartbeat(o))
}

func TestShutdown(t *testing.T) {
	exec := newFakeExec()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.DriverShutdown)
	defer unsub()
	d, _ := newTestDriver(t, testOptions(), exec, WithBus(bus))
	o := entity.NewObject("obj#1", "obj")
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "late", Delay: time.Second})

	d.Shutdown()
	d.Shutdown()
	require.Equal(t, StateShuttingDown, d.State())
	require.Len(t, events, 1)

	d.Pass(at(5))
	require.Empty(t, exec.labels())
	_, err := d.ScheduleCallOut(callout.Request{Owner: o, Callback: "x"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownFromInsideEpisodeStopsPass(t *testing.T) {
	exec := newFakeExec()
	d, _ := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")
	exec.on("quit", func(*Episode, Call) (int64, error) {
		d.Shutdown()
		return 1, nil
	})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "quit"})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "after"})
	d.Pass(t0)
	require.Equal(t, []string{"quit"}, exec.labels())
	require.Equal(t, StateShuttingDown, d.State())
}

func TestEpisodeAPI(t *testing.T) {
	exec := newFakeExec()
	d, _ := newTestDriver(t, testOptions(), exec)
	o := entity.NewObject("obj#1", "obj")

	require.ErrorIs(t, d.Charge(1), ErrNoEpisode)
	var kept *Episode
	exec.on("probe", func(ep *Episode, c Call) (int64, error) {
		kept = ep
		require.Same(t, ep, d.Current())
		require.Equal(t, StateRunningEpisode, d.State())
		require.NoError(t, ep.Charge(40))
		require.Equal(t, int64(60), ep.Remaining())
		left, ok := d.FindCallOut(o, "later")
		require.True(t, ok)
		require.Equal(t, 3*time.Second, left)
		return 1, nil
	})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "probe"})
	mustSchedule(t, d, callout.Request{Owner: o, Callback: "later", Delay: 3 * time.Second})
	d.Pass(t0)

	require.NotEmpty(t, kept.ID)
	require.True(t, kept.Done())
	require.ErrorIs(t, kept.Charge(1), ErrNoEpisode)
	require.Nil(t, d.Current())

	left, ok := d.RemoveCallOutByName(o, "later")
	require.True(t, ok)
	require.Equal(t, 3*time.Second, left)

	snap := d.Snapshot()
	require.Equal(t, "idle", snap.State)
	require.Empty(t, snap.CallOuts)
	require.Equal(t, uint64(1), snap.Counters.Passes)
	require.Equal(t, uint64(1), snap.Counters.Episodes)
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(Options{PassInterval: -1}, newFakeExec())
	require.Error(t, err)
	_, err = New(Options{HeartbeatInterval: time.Second, PassInterval: 2 * time.Second}, newFakeExec())
	require.Error(t, err)
	_, err = New(DefaultOptions(), nil)
	require.Error(t, err)

	d, err := New(Options{}, newFakeExec())
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), d.Options().EvalCostLimit)
	require.Equal(t, callout.OrderFIFO, d.Options().DeferOrder)
}
