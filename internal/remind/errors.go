package remind

import "errors"

var (
	// ErrRateLimited means admission was denied. The caller should inform
	// the user and drop the action; there is nothing to retry.
	ErrRateLimited = errors.New("rate limited")

	// ErrSnoozeBudgetExhausted means the reminder hit its snooze cap and
	// was force-completed.
	ErrSnoozeBudgetExhausted = errors.New("snooze budget exhausted")

	// ErrNotFound means the reminder (or its link) no longer exists.
	ErrNotFound = errors.New("reminder not found")

	// ErrNotActionable means the reminder is not in a state the requested
	// transition applies to (e.g. snoozing a completed reminder).
	ErrNotActionable = errors.New("reminder not actionable")
)
