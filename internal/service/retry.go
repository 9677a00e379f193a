package service

import "time"

// RetryDecision tells the coordinator what to do with a failed task.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed task is re-published with an
// incremented attempt or marked terminally failed. Injected so callers can
// swap in their own policy.
type RetryPolicy interface {
	Decide(taskID string, attempt int) RetryDecision
}

// MaxAttemptsPolicy retries up to MaxAttempts total attempts with
// exponential backoff starting at BaseDelay.
type MaxAttemptsPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Decide returns a retry with doubled delay per prior attempt until the
// attempt budget is spent.
func (p MaxAttemptsPolicy) Decide(_ string, attempt int) RetryDecision {
	if attempt >= p.MaxAttempts {
		return RetryDecision{}
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return RetryDecision{Retry: true, Delay: delay}
}

// NoRetryPolicy fails tasks terminally on the first failure.
type NoRetryPolicy struct{}

// Decide never retries.
func (NoRetryPolicy) Decide(string, int) RetryDecision { return RetryDecision{} }
