package driver

import (
	"context"
	"time"

	"mudclock/internal/driver/budget"
	"mudclock/internal/driver/callout"
	"mudclock/internal/entity"
)

// Kind is what started an episode.
type Kind int

const (
	KindCallOut Kind = iota + 1
	KindHeartbeat
	KindReset
	// KindInvoke is a host call made outside a pass, such as a boot clone.
	KindInvoke
)

func (k Kind) String() string {
	switch k {
	case KindCallOut:
		return "call_out"
	case KindHeartbeat:
		return "heart_beat"
	case KindReset:
		return "reset"
	case KindInvoke:
		return "invoke"
	default:
		return "unknown"
	}
}

// Entry points the driver invokes on entities.
const (
	LabelHeartbeat = "heart_beat"
	LabelReset     = "reset"
)

// Call is one invocation handed to the Executor.
type Call struct {
	Entity entity.Ref
	Label  string
	Args   []any
	// Actor is the command giver for this call, if any.
	Actor entity.Ref
}

// Executor runs entity code. It returns the cost of the call itself; finer
// grained cost is charged through Episode.Charge while it runs.
type Executor interface {
	Execute(ep *Episode, call Call) (cost int64, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ep *Episode, call Call) (int64, error)

func (f ExecutorFunc) Execute(ep *Episode, call Call) (int64, error) { return f(ep, call) }

// Episode is one top-level unit of execution with its own budget.
type Episode struct {
	ID      string
	Kind    Kind
	Entity  entity.Ref
	Actor   entity.Ref
	Label   string
	Handle  callout.Handle
	Depth   int
	Started time.Time

	mon      *budget.Monitor
	done     bool
	children []callout.Handle
}

// Charge adds cost to the episode's budget. It returns the abort error once
// the episode has been aborted.
func (ep *Episode) Charge(cost int64) error {
	if ep == nil || ep.done {
		return ErrNoEpisode
	}
	return ep.mon.Charge(cost)
}

// Check returns the abort error without charging.
func (ep *Episode) Check() error {
	if ep == nil || ep.done {
		return ErrNoEpisode
	}
	return ep.mon.Check()
}

// Context is cancelled when the episode is aborted or ends.
func (ep *Episode) Context() context.Context {
	if ep == nil || ep.done {
		return context.Background()
	}
	return ep.mon.Context()
}

func (ep *Episode) Used() int64 {
	if ep == nil || ep.done {
		return 0
	}
	return ep.mon.Used()
}

func (ep *Episode) Remaining() int64 {
	if ep == nil || ep.done {
		return 0
	}
	return ep.mon.Remaining()
}

// Done reports whether the episode has ended.
func (ep *Episode) Done() bool { return ep == nil || ep.done }
