package driver

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"mudclock/pkg/logx"
)

// Loop owns a Driver on a single goroutine. Passes run on a ticker; host
// calls from other goroutines are queued through Submit or Do and run
// between passes, never concurrently with an episode.
type Loop struct {
	d        *Driver
	log      logx.Logger
	interval time.Duration
	clock    func() time.Time

	ingress chan func(*Driver)
	done    chan struct{}
	once    sync.Once

	afterPass func(PassStats)
}

type LoopOption func(*Loop)

func WithLoopLogger(l logx.Logger) LoopOption { return func(lp *Loop) { lp.log = l } }

// WithAfterPass installs a hook called after every pass on the loop
// goroutine.
func WithAfterPass(fn func(PassStats)) LoopOption { return func(lp *Loop) { lp.afterPass = fn } }

// WithIngressBuffer sets how many host calls may wait for the loop.
func WithIngressBuffer(n int) LoopOption {
	return func(lp *Loop) {
		if n > 0 {
			lp.ingress = make(chan func(*Driver), n)
		}
	}
}

func NewLoop(d *Driver, opts ...LoopOption) *Loop {
	lp := &Loop{
		d:        d,
		log:      logx.Nop(),
		interval: d.opts.PassInterval,
		clock:    d.clock,
		ingress:  make(chan func(*Driver), 256),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(lp)
		}
	}
	return lp
}

// Driver returns the owned driver. Only touch it from the loop goroutine.
func (lp *Loop) Driver() *Driver { return lp.d }

// Run drives passes until ctx is done, then shuts the driver down.
// It returns nil on a clean stop.
func (lp *Loop) Run(ctx context.Context) error {
	defer lp.once.Do(func() { close(lp.done) })

	t := time.NewTicker(lp.interval)
	defer t.Stop()

	lp.log.Info("driver loop started", logx.Duration("pass_interval", lp.interval))
	for {
		select {
		case <-ctx.Done():
			lp.drain()
			lp.d.Shutdown()
			lp.log.Info("driver loop stopped")
			return nil
		case fn := <-lp.ingress:
			lp.call(fn)
		case <-t.C:
			ps := lp.d.Pass(lp.clock())
			if lp.afterPass != nil {
				lp.afterPass(ps)
			}
		}
	}
}

// drain runs host calls already queued so their callers are not left
// waiting.
func (lp *Loop) drain() {
	for {
		select {
		case fn := <-lp.ingress:
			lp.call(fn)
		default:
			return
		}
	}
}

func (lp *Loop) call(fn func(*Driver)) {
	defer func() {
		if r := recover(); r != nil {
			lp.log.Error("driver loop call panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(lp.d)
}

// Submit queues fn to run on the loop goroutine without waiting for it.
func (lp *Loop) Submit(fn func(*Driver)) error {
	if fn == nil {
		return nil
	}
	select {
	case <-lp.done:
		return ErrLoopStopped
	default:
	}
	select {
	case lp.ingress <- fn:
		return nil
	case <-lp.done:
		return ErrLoopStopped
	}
}

// Do runs fn on the loop goroutine and waits for its result.
func (lp *Loop) Do(ctx context.Context, fn func(*Driver) error) error {
	if fn == nil {
		return nil
	}
	res := make(chan error, 1)
	wrapped := func(d *Driver) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
			res <- err
		}()
		err = fn(d)
	}
	select {
	case lp.ingress <- wrapped:
	case <-lp.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-lp.done:
		// The call may have run during the final drain.
		select {
		case err := <-res:
			return err
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (lp *Loop) Done() <-chan struct{} { return lp.done }
