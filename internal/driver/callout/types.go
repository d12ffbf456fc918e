package callout

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mudclock/internal/driver/budget"
	"mudclock/internal/entity"
)

var ErrInvalidRequest = errors.New("callout: invalid request")

// Handle identifies a pending call-out. Zero is never issued.
type Handle uint64

// Order is the tie-break applied to call-outs sharing a fire time.
type Order int

const (
	// OrderDefault defers to the queue's configured order.
	OrderDefault Order = iota
	OrderFIFO
	OrderLIFO
)

func (o Order) String() string {
	switch o {
	case OrderFIFO:
		return "fifo"
	case OrderLIFO:
		return "lifo"
	default:
		return "default"
	}
}

// ParseOrder accepts "fifo" or "lifo" (case-insensitive). Empty means FIFO.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fifo":
		return OrderFIFO, nil
	case "lifo", "reverse":
		return OrderLIFO, nil
	default:
		return OrderDefault, fmt.Errorf("unknown call-out order %q (want fifo|lifo)", s)
	}
}

// Request describes a call-out to schedule.
type Request struct {
	Owner    entity.Ref
	Callback string
	Args     []any

	Delay  time.Duration
	Repeat time.Duration

	// Order overrides the queue default for this request only.
	Order Order

	// Actor is the command giver active when the call-out was scheduled.
	Actor entity.Ref

	// Share and Depth are filled for loop-protected children.
	Share budget.Share
	Depth int
}

// CallOut is one queued (or just fired) deferred call.
type CallOut struct {
	Handle   Handle
	Owner    entity.Ref
	Callback string
	Args     []any
	FireAt   time.Time
	Repeat   time.Duration
	Actor    entity.Ref
	Share    budget.Share
	Depth    int

	seq     uint64
	tie     int64
	index   int
	batched bool
}

// Inherited reports whether the call-out runs on its creator's allowance.
func (c *CallOut) Inherited() bool { return c.Share.Set() }

// Info is the exported view of a pending call-out.
type Info struct {
	Handle   Handle        `json:"handle"`
	Owner    string        `json:"owner"`
	Callback string        `json:"callback"`
	FireAt   time.Time     `json:"fire_at"`
	Repeat   time.Duration `json:"repeat,omitempty"`
	Depth    int           `json:"depth,omitempty"`
	Args     int           `json:"args"`
}

func (c *CallOut) info() Info {
	return Info{
		Handle:   c.Handle,
		Owner:    entity.IDOf(c.Owner),
		Callback: c.Callback,
		FireAt:   c.FireAt,
		Repeat:   c.Repeat,
		Depth:    c.Depth,
		Args:     len(c.Args),
	}
}
