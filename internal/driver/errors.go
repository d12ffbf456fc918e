package driver

import (
	"errors"

	"mudclock/internal/driver/budget"
)

var (
	ErrShuttingDown = errors.New("driver shutting down")
	ErrNoEpisode    = errors.New("no episode running")
	ErrBusy         = errors.New("episode already running")
	ErrPanic        = errors.New("executor panic")
	ErrLoopStopped  = errors.New("driver loop stopped")
)

// IsBudgetExceeded reports whether err is an evaluation budget abort.
func IsBudgetExceeded(err error) bool { return budget.IsExceeded(err) }
