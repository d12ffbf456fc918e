package driver

import "time"

// Outcome of an episode.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeAborted Outcome = "aborted"
)

type EpisodeStats struct {
	Kind    Kind
	Outcome Outcome
	Cost    int64
	Elapsed time.Duration
}

type PassStats struct {
	Time       time.Time
	CallOuts   int // fired this pass
	Chained    int // of which loop-protected children
	Heartbeats int
	Resets     int
	Pending    int // call-outs still queued
	Members    int // heartbeat set size
	Elapsed    time.Duration
}

// Observer receives driver activity. Calls happen on the driver goroutine.
type Observer interface {
	EpisodeDone(s EpisodeStats)
	PassDone(s PassStats)
}

type nopObserver struct{}

func (nopObserver) EpisodeDone(EpisodeStats) {}
func (nopObserver) PassDone(PassStats)       {}
