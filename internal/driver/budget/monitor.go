// Package budget implements the evaluation budget monitor.
//
// One Monitor exists per driver. Each episode is bracketed by Begin/End;
// cost is charged cooperatively with Charge, and a watchdog timer aborts the
// episode asynchronously when its wall-clock allowance runs out.
package budget

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Limits is the allowance granted to one episode.
//
// Time == 0 disables the watchdog; a negative Time means the allowance is
// already spent (used by inherited shares).
type Limits struct {
	Cost int64
	Time time.Duration
}

// Share is what a loop-protected child inherits from its creator.
type Share struct {
	Limits
	set bool
}

// Set reports whether the share was filled in by Capture.
func (s Share) Set() bool { return s.set }

// Result summarizes a finished episode.
type Result struct {
	Used    int64
	Elapsed time.Duration
	Err     error
}

// Monitor tracks the cost of the running episode.
//
// Begin, Charge and End are called from the driver goroutine only. The
// watchdog timer runs on its own goroutine and only ever aborts.
type Monitor struct {
	mu sync.Mutex

	gen      uint64
	active   bool
	limits   Limits
	used     int64
	started  time.Time
	deadline time.Time
	timer    *time.Timer
	abortErr error
	ctx      context.Context
	cancel   context.CancelFunc

	aborted atomic.Bool

	hooks   []func(error)
	running sync.WaitGroup // abort hooks in flight
	now   func() time.Time
}

type Option func(*Monitor)

// WithClock overrides time.Now for elapsed/remaining-time accounting.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func New(opts ...Option) *Monitor {
	m := &Monitor{now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnAbort registers a hook invoked whenever an episode is aborted.
// Hooks may run on the watchdog goroutine; they must not block.
func (m *Monitor) OnAbort(fn func(err error)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Begin starts a new episode with the given allowance and arms the watchdog.
//
// If the allowance is already spent, the episode is started in the aborted
// state and the abort error is returned; End must still be called.
func (m *Monitor) Begin(l Limits) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.gen++
	gen := m.gen
	m.active = true
	m.limits = l
	m.used = 0
	m.abortErr = nil
	m.aborted.Store(false)
	m.started = m.now()
	m.deadline = time.Time{}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	var spent error
	switch {
	case l.Cost <= 0:
		spent = ErrEvalCostExceeded
	case l.Time < 0:
		spent = ErrEvalTimeExceeded
	case l.Time > 0:
		m.deadline = m.started.Add(l.Time)
		m.timer = time.AfterFunc(l.Time, func() { m.expire(gen) })
	}
	m.mu.Unlock()

	if spent != nil {
		m.abort(gen, spent)
		return spent
	}
	return nil
}

// Charge adds cost to the running episode.
//
// It returns the abort error once the episode has been aborted, either by
// this charge crossing the limit or earlier by the watchdog.
func (m *Monitor) Charge(cost int64) error {
	if m.aborted.Load() {
		return m.Err()
	}
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrNotActive
	}
	if cost > 0 {
		m.used += cost
	}
	over := m.used > m.limits.Cost
	gen := m.gen
	m.mu.Unlock()

	if over {
		m.abort(gen, ErrEvalCostExceeded)
		return m.Err()
	}
	return nil
}

// Check returns the abort error, if any, without charging.
func (m *Monitor) Check() error {
	if m.aborted.Load() {
		return m.Err()
	}
	return nil
}

// End tears the episode down and returns its summary. It waits for abort
// hooks still running for this episode, so none of them can touch the next
// one.
func (m *Monitor) End() Result {
	defer m.running.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return Result{}
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	res := Result{Used: m.used, Elapsed: m.now().Sub(m.started), Err: m.abortErr}
	m.active = false
	m.abortErr = nil
	m.aborted.Store(false)
	m.gen++
	return res
}

// Capture snapshots the remaining allowance of the running episode.
func (m *Monitor) Capture() Share {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return Share{}
	}
	s := Share{set: true}
	s.Cost = m.limits.Cost - m.used
	if s.Cost < 0 {
		s.Cost = 0
	}
	if m.limits.Time != 0 {
		s.Time = m.deadline.Sub(m.now())
		if s.Time <= 0 {
			s.Time = -1
		}
	}
	if m.abortErr != nil {
		s.Cost = 0
	}
	return s
}

func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Monitor) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Remaining returns the cost still available to the running episode.
func (m *Monitor) Remaining() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return 0
	}
	r := m.limits.Cost - m.used
	if r < 0 {
		return 0
	}
	return r
}

func (m *Monitor) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Err returns the abort error of the running episode.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortErr
}

// Context is cancelled when the running episode is aborted or ends.
func (m *Monitor) Context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Monitor) expire(gen uint64) {
	m.abort(gen, ErrEvalTimeExceeded)
}

func (m *Monitor) abort(gen uint64, err error) {
	m.mu.Lock()
	if !m.active || m.gen != gen || m.abortErr != nil {
		m.mu.Unlock()
		return
	}
	m.abortErr = err
	m.aborted.Store(true)
	cancel := m.cancel
	hooks := slices.Clone(m.hooks)
	m.running.Add(1)
	m.mu.Unlock()
	defer m.running.Done()

	if cancel != nil {
		cancel()
	}
	for _, h := range hooks {
		h(err)
	}
}
