package driver

import (
	"time"

	"mudclock/internal/driver/callout"
	"mudclock/internal/entity"
)

// Snapshot is a point-in-time view of the driver for status pages.
type Snapshot struct {
	State      string         `json:"state"`
	Time       time.Time      `json:"time"`
	CallOuts   []callout.Info `json:"call_outs"`
	Heartbeats []string       `json:"heart_beats"`
	Resets     int            `json:"resets"`
	Episode    string         `json:"episode,omitempty"`
	Counters   Counters       `json:"counters"`
}

func (d *Driver) Snapshot() Snapshot {
	s := Snapshot{
		State:    d.state.String(),
		Time:     d.timeNow(),
		CallOuts: d.callouts.List(),
		Resets:   d.resets.Len(),
		Counters: d.stats,
	}
	for _, e := range d.hb.Members() {
		s.Heartbeats = append(s.Heartbeats, entity.IDOf(e))
	}
	if d.cur != nil {
		s.Episode = d.cur.ID
	}
	return s
}
