package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Incident is one failed or aborted episode.
// Keep it compact and schema-stable.
type Incident struct {
	ID      string        `json:"id"`
	Time    time.Time     `json:"time"`
	Episode string        `json:"episode"`
	Kind    string        `json:"kind"`
	Entity  string        `json:"entity"`
	Label   string        `json:"label"`
	Aborted bool          `json:"aborted"`
	Error   string        `json:"error,omitempty"`
	Cost    int64         `json:"cost"`
	Elapsed time.Duration `json:"elapsed"`
	Depth   int           `json:"depth,omitempty"`
}
