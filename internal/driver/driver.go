// Package driver runs the deferred-execution and maintenance scheduler.
//
// A Driver owns the call-out queue, the heartbeat ticker, the reset
// scheduler and the evaluation budget monitor. Each Pass fires due call-outs,
// one heartbeat tick when its boundary elapsed, then due resets; every unit
// runs as its own budgeted episode. The Driver is not safe for concurrent
// use: Loop serializes access from other goroutines.
package driver

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"mudclock/internal/driver/budget"
	"mudclock/internal/driver/callout"
	"mudclock/internal/driver/heartbeat"
	"mudclock/internal/driver/reset"
	"mudclock/internal/entity"
	"mudclock/internal/eventbus"
	"mudclock/pkg/logx"
)

type State int

const (
	StateIdle State = iota
	StateRunningEpisode
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningEpisode:
		return "running_episode"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

type Option func(*Driver)

func WithLogger(l logx.Logger) Option { return func(d *Driver) { d.log = l } }

func WithErrorHandler(h ErrorHandler) Option {
	return func(d *Driver) {
		if h != nil {
			d.errs = h
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Driver) {
		if o != nil {
			d.obs = o
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(d *Driver) { d.bus = b } }

// WithClock sets the time source used for host calls made outside a pass.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.clock = now
		}
	}
}

// Counters are cumulative since the driver was created.
type Counters struct {
	Passes   uint64 `json:"passes"`
	Episodes uint64 `json:"episodes"`
	Failed   uint64 `json:"failed"`
	Aborted  uint64 `json:"aborted"`
	Dropped  uint64 `json:"dropped"`
}

type Driver struct {
	opts Options
	log  logx.Logger
	exec Executor
	errs ErrorHandler
	obs  Observer
	bus  eventbus.Bus

	clock func() time.Time

	mon      *budget.Monitor
	callouts *callout.Queue
	hb       *heartbeat.Ticker
	resets   *reset.Scheduler

	state  State
	cur    *Episode
	inPass bool
	now    time.Time

	stats Counters
}

// New builds a Driver. Zero-valued options are filled from DefaultOptions.
func New(opts Options, exec Executor, o ...Option) (*Driver, error) {
	if exec == nil {
		return nil, errors.New("driver: nil executor")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("driver options: %w", err)
	}
	opts = opts.withDefaults()

	d := &Driver{
		opts:  opts,
		log:   logx.Nop(),
		exec:  exec,
		errs:  ErrorHandlerFunc(func(Report) {}),
		obs:   nopObserver{},
		clock: time.Now,
	}
	for _, fn := range o {
		if fn != nil {
			fn(d)
		}
	}
	d.mon = budget.New(budget.WithClock(func() time.Time { return d.clock() }))
	d.callouts = callout.New(opts.DeferOrder)
	d.hb = heartbeat.New(opts.HeartbeatInterval)
	d.resets = reset.New(reset.Options{
		Interval:   opts.ResetInterval,
		Disabled:   opts.ResetsDisabled,
		Lazy:       opts.LazyResets,
		Randomized: opts.RandomizedResets,
		Rand:       opts.Rand,
	})
	return d, nil
}

func (d *Driver) Options() Options { return d.opts }

func (d *Driver) State() State { return d.state }

// OnAbort registers a hook run when an episode is aborted. The hook may run
// on the watchdog goroutine while the episode is still executing; it is the
// place to interrupt an executor stuck in a loop that never charges.
func (d *Driver) OnAbort(fn func(err error)) { d.mon.OnAbort(fn) }

func (d *Driver) timeNow() time.Time {
	if d.inPass {
		return d.now
	}
	return d.clock()
}

func (d *Driver) limits() budget.Limits {
	return budget.Limits{Cost: d.opts.EvalCostLimit, Time: d.opts.MaxEvalTime}
}

// Pass runs one scheduling pass at now. It is a no-op while shutting down
// or when called from inside an episode.
func (d *Driver) Pass(now time.Time) PassStats {
	ps := PassStats{Time: now}
	if d.state != StateIdle {
		return ps
	}
	start := d.clock()
	d.inPass, d.now = true, now
	defer func() { d.inPass = false }()
	defer d.callouts.Settle()

	d.stats.Passes++

	ps.CallOuts += d.fireBatch(d.callouts.DueBefore(now))
	if d.opts.LoopProtection {
		for d.state == StateIdle {
			chained := d.callouts.DueInherited(now)
			if len(chained) == 0 {
				break
			}
			n := d.fireBatch(chained)
			ps.CallOuts += n
			ps.Chained += n
		}
	}

	if d.state == StateIdle && d.hb.Due(now) {
		for _, e := range d.hb.Tick(now) {
			if d.state == StateShuttingDown {
				break
			}
			if !entity.Alive(e) {
				continue
			}
			d.runHeartbeat(e)
			ps.Heartbeats++
		}
	}

	if d.state == StateIdle {
		for _, e := range d.resets.DueBefore(now) {
			if d.state == StateShuttingDown {
				break
			}
			d.runReset(e, nil)
			ps.Resets++
		}
	}

	ps.Pending = d.callouts.Len()
	ps.Members = d.hb.Len()
	ps.Elapsed = d.clock().Sub(start)
	d.obs.PassDone(ps)
	return ps
}

// fireBatch claims and fires each collected call-out in order. Members
// cancelled by an earlier sibling are skipped.
func (d *Driver) fireBatch(batch []callout.CallOut) int {
	n := 0
	for _, due := range batch {
		if d.state == StateShuttingDown {
			break
		}
		c, ok := d.callouts.Take(due.Handle)
		if !ok {
			continue
		}
		d.fireCallOut(c)
		n++
	}
	return n
}

func (d *Driver) fireCallOut(c callout.CallOut) {
	if !entity.Alive(c.Owner) {
		d.stats.Dropped++
		return
	}
	ep := d.newEpisode(KindCallOut, c.Owner, c.Callback)
	ep.Handle = c.Handle
	ep.Depth = c.Depth
	if d.opts.ActorInCallOut {
		ep.Actor = c.Actor
	}

	limits := d.limits()
	if c.Inherited() {
		limits = c.Share.Limits
	}
	_ = d.runEpisode(ep, Call{Entity: c.Owner, Label: c.Callback, Args: c.Args, Actor: ep.Actor}, limits)
}

func (d *Driver) runHeartbeat(e entity.Ref) {
	ep := d.newEpisode(KindHeartbeat, e, LabelHeartbeat)
	_ = d.runEpisode(ep, Call{Entity: e, Label: LabelHeartbeat}, d.limits())
}

func (d *Driver) runReset(e entity.Ref, actor entity.Ref) {
	ep := d.newEpisode(KindReset, e, LabelReset)
	ep.Actor = actor
	_ = d.runEpisode(ep, Call{Entity: e, Label: LabelReset, Actor: actor}, d.limits())
}

func (d *Driver) newEpisode(kind Kind, e entity.Ref, label string) *Episode {
	return &Episode{
		ID:      uuid.NewString(),
		Kind:    kind,
		Entity:  e,
		Label:   label,
		Started: d.timeNow(),
		mon:     d.mon,
	}
}

// runEpisode brackets one unit with the budget monitor. Whatever happens
// inside, the driver returns to its previous state afterwards.
func (d *Driver) runEpisode(ep *Episode, call Call, limits budget.Limits) error {
	prev := d.state
	d.state = StateRunningEpisode
	d.cur = ep
	d.stats.Episodes++

	var (
		err   error
		stack string
	)
	if err = d.mon.Begin(limits); err == nil {
		var cost int64
		cost, stack, err = d.execute(ep, call)
		if cost < 1 {
			cost = 1
		}
		if cerr := d.mon.Charge(cost); cerr != nil && err == nil {
			err = cerr
		}
	}
	// The monitor knows about watchdog aborts the executor may have
	// surfaced as its own error type.
	if merr := d.mon.Err(); merr != nil {
		err = merr
	}

	if len(ep.children) > 0 {
		share := d.mon.Capture()
		for _, h := range ep.children {
			d.callouts.SetShare(h, share, ep.Depth+1)
		}
	}

	res := d.mon.End()
	ep.done = true
	d.cur = nil
	if d.state == StateRunningEpisode {
		d.state = prev
	}

	outcome := OutcomeOK
	switch {
	case err == nil:
	case budget.IsExceeded(err):
		outcome = OutcomeAborted
		d.stats.Aborted++
	default:
		outcome = OutcomeFailed
		d.stats.Failed++
	}
	d.obs.EpisodeDone(EpisodeStats{Kind: ep.Kind, Outcome: outcome, Cost: res.Used, Elapsed: res.Elapsed})

	if err == nil {
		d.log.Trace("episode.done",
			logx.String("episode", ep.ID),
			logx.String("kind", ep.Kind.String()),
			logx.String("entity", entity.IDOf(ep.Entity)),
			logx.Int64("cost", res.Used),
		)
		return nil
	}
	d.fail(ep, res, err, stack, outcome == OutcomeAborted)
	return err
}

func (d *Driver) execute(ep *Episode, call Call) (cost int64, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	cost, err = d.exec.Execute(ep, call)
	return cost, "", err
}

func (d *Driver) fail(ep *Episode, res budget.Result, err error, stack string, aborted bool) {
	r := Report{
		Episode: ep.ID,
		Kind:    ep.Kind.String(),
		Entity:  entity.IDOf(ep.Entity),
		Label:   ep.Label,
		Handle:  ep.Handle,
		Depth:   ep.Depth,
		Aborted: aborted,
		Error:   err.Error(),
		Cost:    res.Used,
		Elapsed: res.Elapsed,
		Time:    d.timeNow(),
		Stack:   stack,
		Err:     err,
	}

	d.log.Debug("episode.failed",
		logx.String("episode", ep.ID),
		logx.String("kind", r.Kind),
		logx.String("entity", r.Entity),
		logx.String("label", r.Label),
		logx.Bool("aborted", aborted),
		logx.Err(err),
	)

	if ep.Kind == KindHeartbeat && entity.Alive(ep.Entity) {
		d.hb.Suppress(ep.Entity)
		d.publish(eventbus.HeartbeatSuppressed, HeartbeatSuppressedEvent{
			Entity:  r.Entity,
			Episode: ep.ID,
			Error:   r.Error,
		})
	}

	d.errs.HandleError(r)
	if aborted {
		d.publish(eventbus.EpisodeAborted, r)
	} else {
		d.publish(eventbus.EpisodeFailed, r)
	}
}

func (d *Driver) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.timeNow(), Data: data})
}
