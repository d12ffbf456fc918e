package driver

import (
	"time"

	"mudclock/internal/driver/callout"
)

// Report describes a failed or aborted episode.
type Report struct {
	Episode string         `json:"episode"`
	Kind    string         `json:"kind"`
	Entity  string         `json:"entity"`
	Label   string         `json:"label"`
	Handle  callout.Handle `json:"handle,omitempty"`
	Depth   int            `json:"depth,omitempty"`
	Aborted bool           `json:"aborted"`
	Error   string         `json:"error"`
	Cost    int64          `json:"cost"`
	Elapsed time.Duration  `json:"elapsed"`
	Time    time.Time      `json:"time"`
	Stack   string         `json:"stack,omitempty"`

	Err error `json:"-"`
}

// ErrorHandler receives one Report per failed episode, on the driver
// goroutine. It must not block.
type ErrorHandler interface {
	HandleError(r Report)
}

type ErrorHandlerFunc func(r Report)

func (f ErrorHandlerFunc) HandleError(r Report) { f(r) }

// HeartbeatSuppressedEvent is the payload of eventbus.HeartbeatSuppressed.
type HeartbeatSuppressedEvent struct {
	Entity  string `json:"entity"`
	Episode string `json:"episode"`
	Error   string `json:"error"`
}
