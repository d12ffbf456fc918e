package app

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mudclock/internal/driver"
	"mudclock/internal/eventbus"
	"mudclock/internal/storage"
	"mudclock/pkg/logx"
)

// reporter is the driver's ErrorHandler. It logs each failed episode, at
// most a burst at a time; the rest are counted and summarized on the next
// logged line. It runs on the driver goroutine and never blocks.
type reporter struct {
	log        logx.Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

func newReporter(log logx.Logger, perSec float64, burst int) *reporter {
	return &reporter{log: log, lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (r *reporter) HandleError(rep driver.Report) {
	if !r.lim.Allow() {
		r.suppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.String("episode", rep.Episode),
		logx.String("kind", rep.Kind),
		logx.String("entity", rep.Entity),
		logx.String("label", rep.Label),
		logx.Int64("cost", rep.Cost),
		logx.Duration("elapsed", rep.Elapsed),
		logx.String("err", rep.Error),
		logx.Stack(rep.Stack),
	}
	if rep.Depth > 0 {
		fields = append(fields, logx.Int("depth", rep.Depth))
	}
	if n := r.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	if rep.Aborted {
		r.log.Warn("episode aborted", fields...)
		return
	}
	r.log.Error("episode failed", fields...)
}

func incidentFromReport(rep driver.Report) storage.Incident {
	return storage.Incident{
		Time:    rep.Time,
		Episode: rep.Episode,
		Kind:    rep.Kind,
		Entity:  rep.Entity,
		Label:   rep.Label,
		Aborted: rep.Aborted,
		Error:   rep.Error,
		Cost:    rep.Cost,
		Elapsed: rep.Elapsed,
		Depth:   rep.Depth,
	}
}

// runIncidentWriter persists failed and aborted episodes from the bus until
// ctx is done. Store writes never happen on the driver goroutine.
func runIncidentWriter(ctx context.Context, bus eventbus.Bus, st storage.Store, log logx.Logger) {
	events, unsub := bus.Subscribe(256, eventbus.EpisodeAborted, eventbus.EpisodeFailed)
	defer unsub()

	write := func(e eventbus.Event) {
		rep, ok := e.Data.(driver.Report)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.AppendIncident(wctx, incidentFromReport(rep)); err != nil {
			log.Warn("incident write failed", logx.String("episode", rep.Episode), logx.Err(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					write(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			write(e)
		}
	}
}
