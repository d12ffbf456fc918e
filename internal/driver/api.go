package driver

import (
	"fmt"
	"time"

	"mudclock/internal/driver/callout"
	"mudclock/internal/entity"
	"mudclock/internal/eventbus"
	"mudclock/pkg/logx"
)

// ScheduleCallOut queues req. Inside a running episode the actor defaults
// to the episode's actor, and with loop protection a zero-delay request made
// from a call-out becomes a child that runs on its creator's remaining
// allowance in the same pass.
func (d *Driver) ScheduleCallOut(req callout.Request) (callout.Handle, error) {
	if d.state == StateShuttingDown {
		return 0, ErrShuttingDown
	}
	ep := d.cur
	if ep != nil && req.Actor == nil {
		req.Actor = ep.Actor
	}
	child := d.opts.LoopProtection && ep != nil && ep.Kind == KindCallOut && req.Delay == 0 && req.Repeat == 0
	if child {
		req.Depth = ep.Depth + 1
	}

	h, err := d.callouts.Schedule(req, d.timeNow())
	if err != nil {
		return 0, err
	}
	if child {
		ep.children = append(ep.children, h)
	}
	return h, nil
}

// CancelCallOut cancels a pending call-out. Unknown or already-fired
// handles report false.
func (d *Driver) CancelCallOut(h callout.Handle) bool {
	return d.callouts.Cancel(h)
}

// FindCallOut reports the time left on owner's first call-out to callback.
func (d *Driver) FindCallOut(owner entity.Ref, callback string) (time.Duration, bool) {
	c, ok := d.callouts.Find(owner, callback)
	if !ok {
		return 0, false
	}
	return d.callouts.Remaining(c.Handle, d.timeNow())
}

// RemoveCallOutByName cancels owner's first call-out to callback and
// reports the time it had left.
func (d *Driver) RemoveCallOutByName(owner entity.Ref, callback string) (time.Duration, bool) {
	return d.callouts.CancelByName(owner, callback, d.timeNow())
}

func (d *Driver) CallOutRemaining(h callout.Handle) (time.Duration, bool) {
	return d.callouts.Remaining(h, d.timeNow())
}

// EnableHeartbeat adds e to the heartbeat set from the next tick on.
func (d *Driver) EnableHeartbeat(e entity.Ref) error {
	if d.state == StateShuttingDown {
		return ErrShuttingDown
	}
	if !d.hb.Enable(e) {
		return fmt.Errorf("enable heartbeat for %q: entity not live", entity.IDOf(e))
	}
	return nil
}

func (d *Driver) DisableHeartbeat(e entity.Ref) bool {
	return d.hb.Disable(e)
}

func (d *Driver) HeartbeatEnabled(e entity.Ref) bool { return d.hb.Enabled(e) }

// RegisterForReset starts periodic resets of e.
func (d *Driver) RegisterForReset(e entity.Ref) bool {
	return d.resets.Register(e, d.timeNow())
}

// TouchReset records an access to e. With lazy resets, a touch after the
// due time runs e's reset: nested inside the running episode (sharing its
// budget, errors returned to the caller) or as its own episode otherwise.
func (d *Driver) TouchReset(e entity.Ref) (bool, error) {
	if d.state == StateShuttingDown {
		return false, nil
	}
	if !d.resets.Touch(e, d.timeNow()) {
		return false, nil
	}
	if ep := d.cur; ep != nil {
		cost, _, err := d.execute(ep, Call{Entity: e, Label: LabelReset, Actor: ep.Actor})
		if cost > 0 {
			if cerr := ep.Charge(cost); cerr != nil && err == nil {
				err = cerr
			}
		}
		return true, err
	}
	d.runReset(e, nil)
	return true, nil
}

// DestructEntity destructs e and drops its call-outs, heartbeat and reset
// record.
func (d *Driver) DestructEntity(e entity.Ref) int {
	if e == nil {
		return 0
	}
	if x, ok := e.(interface{ Destruct() bool }); ok {
		x.Destruct()
	}
	n := d.callouts.RemoveOwner(e)
	d.hb.Remove(e)
	d.resets.Remove(e)
	return n
}

// Invoke runs call as its own budgeted episode outside a pass. Failures are
// reported like any other episode and returned. It refuses to nest inside a
// running episode.
func (d *Driver) Invoke(call Call) error {
	switch d.state {
	case StateShuttingDown:
		return ErrShuttingDown
	case StateRunningEpisode:
		return ErrBusy
	}
	ep := d.newEpisode(KindInvoke, call.Entity, call.Label)
	ep.Actor = call.Actor
	return d.runEpisode(ep, call, d.limits())
}

// Current returns the running episode, or nil.
func (d *Driver) Current() *Episode { return d.cur }

// Charge charges the running episode.
func (d *Driver) Charge(cost int64) error {
	if d.cur == nil {
		return ErrNoEpisode
	}
	return d.cur.Charge(cost)
}

// Shutdown stops the driver. Later passes fire nothing; an episode in
// progress runs to completion.
func (d *Driver) Shutdown() {
	if d.state == StateShuttingDown {
		return
	}
	d.state = StateShuttingDown
	d.log.Info("driver shutting down",
		logx.Int("callouts_pending", d.callouts.Len()),
		logx.Int("heartbeats", d.hb.Len()),
	)
	d.publish(eventbus.DriverShutdown, d.Snapshot())
}
