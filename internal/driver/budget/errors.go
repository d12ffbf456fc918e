package budget

import "errors"

var (
	// ErrEvalCostExceeded aborts an episode whose charged cost crossed its limit.
	ErrEvalCostExceeded = errors.New("too long evaluation: eval cost exceeded")
	// ErrEvalTimeExceeded aborts an episode whose watchdog deadline expired.
	ErrEvalTimeExceeded = errors.New("too long evaluation: eval time exceeded")

	ErrNotActive     = errors.New("no active episode")
	ErrAlreadyActive = errors.New("episode already active")
)

// IsExceeded reports whether err is one of the budget abort errors.
func IsExceeded(err error) bool {
	return errors.Is(err, ErrEvalCostExceeded) || errors.Is(err, ErrEvalTimeExceeded)
}
