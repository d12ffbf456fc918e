package driver

import (
	"fmt"
	"math/rand/v2"
	"time"

	"mudclock/internal/driver/callout"
	"mudclock/internal/driver/heartbeat"
	"mudclock/internal/driver/reset"
)

// Options are the boot-time switches of a Driver. They are fixed for the
// lifetime of the Driver.
type Options struct {
	HeartbeatInterval time.Duration
	LoopProtection    bool

	ResetsDisabled   bool
	LazyResets       bool
	RandomizedResets bool
	ResetInterval    time.Duration

	DeferOrder callout.Order

	EvalCostLimit int64
	MaxEvalTime   time.Duration

	PassInterval   time.Duration
	ActorInCallOut bool

	// Rand seeds randomized reset timing (tests).
	Rand *rand.Rand
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: heartbeat.DefaultInterval,
		LoopProtection:    true,
		RandomizedResets:  true,
		ResetInterval:     reset.DefaultInterval,
		DeferOrder:        callout.OrderFIFO,
		EvalCostLimit:     1_000_000,
		MaxEvalTime:       5 * time.Second,
		PassInterval:      100 * time.Millisecond,
		ActorInCallOut:    true,
	}
}

// Validate rejects nonsensical values. Zero durations and limits are filled
// from DefaultOptions by New and are not errors.
func (o Options) Validate() error {
	switch {
	case o.HeartbeatInterval < 0:
		return fmt.Errorf("heartbeat_interval must be >= 0 (got %s)", o.HeartbeatInterval)
	case o.ResetInterval < 0:
		return fmt.Errorf("reset_interval must be >= 0 (got %s)", o.ResetInterval)
	case o.EvalCostLimit < 0:
		return fmt.Errorf("eval_cost_limit must be >= 0 (got %d)", o.EvalCostLimit)
	case o.MaxEvalTime < 0:
		return fmt.Errorf("max_eval_time must be >= 0 (got %s)", o.MaxEvalTime)
	case o.PassInterval < 0:
		return fmt.Errorf("pass_interval must be >= 0 (got %s)", o.PassInterval)
	}
	if o.HeartbeatInterval > 0 && o.PassInterval > o.HeartbeatInterval {
		return fmt.Errorf("pass_interval (%s) must not exceed heartbeat_interval (%s)", o.PassInterval, o.HeartbeatInterval)
	}
	return nil
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.ResetInterval == 0 {
		o.ResetInterval = def.ResetInterval
	}
	if o.DeferOrder == callout.OrderDefault {
		o.DeferOrder = def.DeferOrder
	}
	if o.EvalCostLimit == 0 {
		o.EvalCostLimit = def.EvalCostLimit
	}
	if o.PassInterval == 0 {
		o.PassInterval = def.PassInterval
	}
	// MaxEvalTime == 0 keeps the watchdog off.
	return o
}
