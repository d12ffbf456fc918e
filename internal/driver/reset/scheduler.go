// Package reset schedules periodic maintenance resets of entities.
//
// Timing is fixed (exactly Interval after the previous reset) or randomized
// (uniform in [Interval/2, Interval)). Eager schedulers hand due entities to
// the driver every pass; lazy ones only fire when a due entity is touched.
package reset

import (
	"container/heap"
	"math/rand/v2"
	"time"

	"mudclock/internal/entity"
)

const DefaultInterval = 30 * time.Minute

type Options struct {
	Interval   time.Duration
	Disabled   bool
	Lazy       bool
	Randomized bool

	// Rand drives randomized timing; nil uses a time-seeded source.
	Rand *rand.Rand
}

// Record is the per-entity reset state.
type Record struct {
	Entity entity.Ref
	Due    time.Time
	Last   time.Time
	Count  int

	seq   uint64
	index int
}

// Scheduler is not safe for concurrent use; the driver loop owns it.
type Scheduler struct {
	opts Options
	rnd  *rand.Rand

	h       dueHeap
	records map[entity.Ref]*Record
	seq     uint64
}

func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	r := opts.Rand
	if r == nil {
		seed := uint64(time.Now().UnixNano())
		r = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Scheduler{opts: opts, rnd: r, records: make(map[entity.Ref]*Record)}
}

func (s *Scheduler) Options() Options { return s.opts }

// Register starts tracking e; its first reset is due one period from now.
// Registering again is a no-op.
func (s *Scheduler) Register(e entity.Ref, now time.Time) bool {
	if !entity.Alive(e) {
		return false
	}
	if s.opts.Disabled {
		return true
	}
	if _, ok := s.records[e]; ok {
		return true
	}
	s.seq++
	rec := &Record{Entity: e, Due: now.Add(s.period()), seq: s.seq}
	s.records[e] = rec
	heap.Push(&s.h, rec)
	return true
}

// Touch records an access to e. In lazy mode it reports whether the access
// triggers a reset; when it does, the next due time is already computed.
func (s *Scheduler) Touch(e entity.Ref, now time.Time) bool {
	if s.opts.Disabled || !s.opts.Lazy {
		return false
	}
	rec, ok := s.records[e]
	if !ok || now.Before(rec.Due) {
		return false
	}
	if !entity.Alive(e) {
		s.Remove(e)
		return false
	}
	s.complete(rec, now)
	return true
}

// DueBefore returns the entities whose reset is due at now, in due order,
// and schedules their next reset. Lazy and disabled schedulers return nil.
func (s *Scheduler) DueBefore(now time.Time) []entity.Ref {
	if s.opts.Disabled || s.opts.Lazy {
		return nil
	}
	var (
		out   []entity.Ref
		fired []*Record
	)
	for len(s.h) > 0 && !s.h[0].Due.After(now) {
		rec := heap.Pop(&s.h).(*Record)
		if !entity.Alive(rec.Entity) {
			delete(s.records, rec.Entity)
			continue
		}
		out = append(out, rec.Entity)
		fired = append(fired, rec)
	}
	for _, rec := range fired {
		rec.Last = now
		rec.Count++
		rec.Due = now.Add(s.period())
		heap.Push(&s.h, rec)
	}
	return out
}

// Complete records a reset of e performed at now outside the normal
// schedule and pushes its next due time out by one period.
func (s *Scheduler) Complete(e entity.Ref, now time.Time) bool {
	rec, ok := s.records[e]
	if !ok {
		return false
	}
	s.complete(rec, now)
	return true
}

func (s *Scheduler) complete(rec *Record, now time.Time) {
	rec.Last = now
	rec.Count++
	rec.Due = now.Add(s.period())
	heap.Fix(&s.h, rec.index)
}

func (s *Scheduler) Remove(e entity.Ref) bool {
	rec, ok := s.records[e]
	if !ok {
		return false
	}
	delete(s.records, e)
	if rec.index >= 0 {
		heap.Remove(&s.h, rec.index)
	}
	return true
}

// Next returns e's next due time.
func (s *Scheduler) Next(e entity.Ref) (time.Time, bool) {
	rec, ok := s.records[e]
	if !ok {
		return time.Time{}, false
	}
	return rec.Due, true
}

// Get returns a copy of e's record.
func (s *Scheduler) Get(e entity.Ref) (Record, bool) {
	rec, ok := s.records[e]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (s *Scheduler) Len() int { return len(s.records) }

func (s *Scheduler) period() time.Duration {
	t := s.opts.Interval
	if !s.opts.Randomized {
		return t
	}
	half := t / 2
	span := int64(t - half)
	if span <= 0 {
		return t
	}
	return half + time.Duration(s.rnd.Int64N(span))
}

type dueHeap []*Record

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if !h[i].Due.Equal(h[j].Due) {
		return h[i].Due.Before(h[j].Due)
	}
	return h[i].seq < h[j].seq
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	rec := x.(*Record)
	rec.index = len(*h)
	*h = append(*h, rec)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}
