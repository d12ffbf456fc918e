// Package callout holds pending deferred calls ordered by fire time.
//
// The queue is not safe for concurrent use; the driver loop owns it.
package callout

import (
	"container/heap"
	"fmt"
	"sort"
	"time"

	"mudclock/internal/driver/budget"
	"mudclock/internal/entity"
)

type Queue struct {
	order Order

	h       timeHeap
	handles map[Handle]*CallOut
	batch   []*CallOut
	seq     uint64
	next    Handle
}

// New creates an empty queue using order for same-time ties.
func New(order Order) *Queue {
	if order == OrderDefault {
		order = OrderFIFO
	}
	return &Queue{order: order, handles: make(map[Handle]*CallOut)}
}

func (q *Queue) Order() Order { return q.order }

// Schedule inserts req to fire at now+Delay and returns its handle.
func (q *Queue) Schedule(req Request, now time.Time) (Handle, error) {
	if !entity.Alive(req.Owner) {
		return 0, fmt.Errorf("%w: owner missing or destructed", ErrInvalidRequest)
	}
	if req.Callback == "" {
		return 0, fmt.Errorf("%w: empty callback", ErrInvalidRequest)
	}
	if req.Delay < 0 {
		return 0, fmt.Errorf("%w: negative delay %s", ErrInvalidRequest, req.Delay)
	}
	if req.Repeat < 0 {
		return 0, fmt.Errorf("%w: negative repeat %s", ErrInvalidRequest, req.Repeat)
	}

	q.next++
	c := &CallOut{
		Handle:   q.next,
		Owner:    req.Owner,
		Callback: req.Callback,
		Args:     req.Args,
		FireAt:   now.Add(req.Delay),
		Repeat:   req.Repeat,
		Actor:    req.Actor,
		Share:    req.Share,
		Depth:    req.Depth,
	}
	q.push(c, req.Order)
	return c.Handle, nil
}

func (q *Queue) push(c *CallOut, order Order) {
	if order == OrderDefault {
		order = q.order
	}
	q.seq++
	c.seq = q.seq
	c.tie = int64(c.seq)
	if order == OrderLIFO {
		c.tie = -c.tie
	}
	heap.Push(&q.h, c)
	q.handles[c.Handle] = c
}

// Cancel removes a pending call-out, including one already collected for
// the running pass. It reports false for unknown or already-fired handles.
func (q *Queue) Cancel(h Handle) bool {
	c, ok := q.handles[h]
	if !ok {
		return false
	}
	q.drop(c)
	return true
}

func (q *Queue) drop(c *CallOut) {
	delete(q.handles, c.Handle)
	if c.index >= 0 {
		q.h.remove(c.index)
	}
}

// SetShare attaches a loop-protection share to a pending call-out.
func (q *Queue) SetShare(h Handle, share budget.Share, depth int) bool {
	c, ok := q.handles[h]
	if !ok {
		return false
	}
	c.Share = share
	c.Depth = depth
	return true
}

// DueBefore collects every call-out with FireAt <= now, in firing order.
//
// Collected call-outs leave the heap but stay pending until Take claims
// them, so a sibling in the same batch can still cancel them. Repeating
// call-outs are re-queued by Take, never inside the batch that fired them.
// Call-outs whose owner has been destructed are discarded. Settle returns
// unclaimed batch members to the heap.
func (q *Queue) DueBefore(now time.Time) []CallOut {
	return q.due(now, nil)
}

// DueInherited is DueBefore restricted to loop-protected children; other
// due call-outs stay queued for the next pass.
func (q *Queue) DueInherited(now time.Time) []CallOut {
	return q.due(now, (*CallOut).Inherited)
}

func (q *Queue) due(now time.Time, keep func(*CallOut) bool) []CallOut {
	var (
		out     []CallOut
		skipped []*CallOut
	)
	for {
		c := q.h.peek()
		if c == nil || c.FireAt.After(now) {
			break
		}
		heap.Pop(&q.h)
		if keep != nil && !keep(c) {
			skipped = append(skipped, c)
			continue
		}
		if !entity.Alive(c.Owner) {
			delete(q.handles, c.Handle)
			continue
		}
		c.batched = true
		q.batch = append(q.batch, c)
		out = append(out, *c)
	}
	for _, c := range skipped {
		heap.Push(&q.h, c)
	}
	return out
}

// Take claims a collected call-out just before it fires. It reports false
// when the call-out was cancelled (or its owner removed) after collection.
// A repeating call-out is re-queued at FireAt+Repeat with a fresh budget.
func (q *Queue) Take(h Handle) (CallOut, bool) {
	c, ok := q.handles[h]
	if !ok || !c.batched {
		return CallOut{}, false
	}
	c.batched = false
	fired := *c
	if c.Repeat > 0 {
		c.FireAt = c.FireAt.Add(c.Repeat)
		c.Share = budget.Share{}
		c.Depth = 0
		q.push(c, orderOf(c))
	} else {
		delete(q.handles, h)
	}
	return fired, true
}

// Settle puts collected but unclaimed call-outs back on the heap. The
// driver calls it when a pass stops early.
func (q *Queue) Settle() {
	for _, c := range q.batch {
		if !c.batched || q.handles[c.Handle] != c {
			continue
		}
		c.batched = false
		heap.Push(&q.h, c)
	}
	q.batch = q.batch[:0]
}

func orderOf(c *CallOut) Order {
	if c.tie < 0 {
		return OrderLIFO
	}
	return OrderFIFO
}

// Find returns the first pending call-out of owner for callback, in firing
// order.
func (q *Queue) Find(owner entity.Ref, callback string) (CallOut, bool) {
	var best *CallOut
	for _, c := range q.handles {
		if c.Owner != owner || c.Callback != callback {
			continue
		}
		if best == nil || q.h.lessItems(c, best) {
			best = c
		}
	}
	if best == nil {
		return CallOut{}, false
	}
	return *best, true
}

// CancelByName cancels the first pending call-out of owner for callback
// and returns the time it had left.
func (q *Queue) CancelByName(owner entity.Ref, callback string, now time.Time) (time.Duration, bool) {
	c, ok := q.Find(owner, callback)
	if !ok {
		return 0, false
	}
	q.Cancel(c.Handle)
	return remaining(c.FireAt, now), true
}

// Remaining reports how long until h fires.
func (q *Queue) Remaining(h Handle, now time.Time) (time.Duration, bool) {
	c, ok := q.handles[h]
	if !ok {
		return 0, false
	}
	return remaining(c.FireAt, now), true
}

func remaining(at, now time.Time) time.Duration {
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Get returns a copy of a pending call-out.
func (q *Queue) Get(h Handle) (CallOut, bool) {
	c, ok := q.handles[h]
	if !ok {
		return CallOut{}, false
	}
	return *c, true
}

// List snapshots all pending call-outs in firing order.
func (q *Queue) List() []Info {
	items := make([]*CallOut, 0, len(q.handles))
	for _, c := range q.handles {
		items = append(items, c)
	}
	sort.Slice(items, func(i, j int) bool { return q.h.lessItems(items[i], items[j]) })
	out := make([]Info, 0, len(items))
	for _, c := range items {
		out = append(out, c.info())
	}
	return out
}

// RemoveOwner drops every call-out owned by owner and returns the count.
func (q *Queue) RemoveOwner(owner entity.Ref) int {
	var victims []*CallOut
	for _, c := range q.handles {
		if c.Owner == owner {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		q.drop(c)
	}
	return len(victims)
}

// Len counts pending call-outs, collected ones included.
func (q *Queue) Len() int { return len(q.handles) }

// Next returns the earliest fire time.
func (q *Queue) Next() (time.Time, bool) {
	c := q.h.peek()
	if c == nil {
		return time.Time{}, false
	}
	return c.FireAt, true
}
