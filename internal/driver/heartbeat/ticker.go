// Package heartbeat keeps the set of entities that receive a periodic
// heart_beat call and decides when the next tick is due.
package heartbeat

import (
	"time"

	"mudclock/internal/entity"
)

const DefaultInterval = time.Second

// Ticker is not safe for concurrent use; the driver loop owns it.
type Ticker struct {
	interval time.Duration
	next     time.Time

	members    []entity.Ref // enable order
	enabled    map[entity.Ref]struct{}
	suppressed map[entity.Ref]struct{}
}

func New(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{
		interval:   interval,
		enabled:    make(map[entity.Ref]struct{}),
		suppressed: make(map[entity.Ref]struct{}),
	}
}

func (t *Ticker) Interval() time.Duration { return t.interval }

// Enable adds e to the heartbeat set. An explicit enable clears an earlier
// error suppression.
func (t *Ticker) Enable(e entity.Ref) bool {
	if !entity.Alive(e) {
		return false
	}
	delete(t.suppressed, e)
	if _, ok := t.enabled[e]; ok {
		return true
	}
	t.enabled[e] = struct{}{}
	t.members = append(t.members, e)
	return true
}

// Disable removes e from the set. It reports whether e was a member.
func (t *Ticker) Disable(e entity.Ref) bool {
	if _, ok := t.enabled[e]; !ok {
		return false
	}
	delete(t.enabled, e)
	for i, m := range t.members {
		if m == e {
			t.members = append(t.members[:i], t.members[i+1:]...)
			break
		}
	}
	return true
}

// Suppress disables e after a fatal error in its heartbeat.
func (t *Ticker) Suppress(e entity.Ref) {
	t.Disable(e)
	t.suppressed[e] = struct{}{}
}

// Remove forgets e entirely.
func (t *Ticker) Remove(e entity.Ref) {
	t.Disable(e)
	delete(t.suppressed, e)
}

func (t *Ticker) Enabled(e entity.Ref) bool {
	_, ok := t.enabled[e]
	return ok
}

func (t *Ticker) Suppressed(e entity.Ref) bool {
	_, ok := t.suppressed[e]
	return ok
}

func (t *Ticker) Len() int { return len(t.members) }

// Members returns the enabled entities in enable order.
func (t *Ticker) Members() []entity.Ref {
	return append([]entity.Ref(nil), t.members...)
}

// Due reports whether a tick boundary has elapsed. The first call only
// arms the clock.
func (t *Ticker) Due(now time.Time) bool {
	if t.next.IsZero() {
		t.next = now.Add(t.interval)
		return false
	}
	return !now.Before(t.next)
}

// Next returns the upcoming tick boundary (zero before the first Due).
func (t *Ticker) Next() time.Time { return t.next }

// Tick advances the boundary and returns a snapshot of live members.
// Destructed members are pruned. Membership changes made while the caller
// walks the snapshot apply from the next tick on.
func (t *Ticker) Tick(now time.Time) []entity.Ref {
	if t.next.IsZero() {
		t.next = now
	}
	t.next = t.next.Add(t.interval)
	if !t.next.After(now) {
		// Fell behind by more than one interval; no catch-up burst.
		t.next = now.Add(t.interval)
	}

	out := make([]entity.Ref, 0, len(t.members))
	var dead []entity.Ref
	for _, m := range t.members {
		if entity.Alive(m) {
			out = append(out, m)
		} else {
			dead = append(dead, m)
		}
	}
	for _, m := range dead {
		t.Remove(m)
	}
	return out
}
