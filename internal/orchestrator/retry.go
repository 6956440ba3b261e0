package orchestrator

import "time"

// RetryDecision is the outcome of evaluating a terminal failed session
// against its retry settings.
type RetryDecision struct {
	// Retry is false when the failure is unrecoverable or retries are
	// exhausted; the session stays terminal and visible for manual retry.
	Retry bool
	// Delay is how long to wait before resubmitting.
	Delay time.Duration
	// OnReconnect requests that the resubmission also arm on the next
	// worker online transition; whichever path fires first wins.
	OnReconnect bool
	// NextAttempt is the attempt number for the resubmitted command.
	NextAttempt int
}

// ShouldRetry is the pure retry predicate: the attempt budget must not be
// exhausted and the error must be recoverable.
func ShouldRetry(attempt, maxRetries int, recoverable bool) bool {
	return attempt <= maxRetries && recoverable
}

// RetryDelay computes the wait before resubmitting the given failed attempt:
// retryDelayMinutes, doubled per prior attempt when exponential backoff is on.
func RetryDelay(settings RetrySettings, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(settings.RetryDelayMinutes) * time.Minute
	if settings.ExponentialBackoff {
		delay *= time.Duration(1 << (attempt - 1))
	}
	return delay
}

// DecideRetry evaluates a terminal session. The session must carry its
// attempt number and (for failed/timeout states) an execution error.
func DecideRetry(settings RetrySettings, attempt int, execErr *ExecError) RetryDecision {
	recoverable := execErr != nil && execErr.Recoverable
	if !ShouldRetry(attempt, settings.MaxRetries, recoverable) {
		return RetryDecision{}
	}
	decision := RetryDecision{
		Retry:       true,
		Delay:       RetryDelay(settings, attempt),
		NextAttempt: attempt + 1,
	}
	// When the failure was "no worker online", a reconnect can satisfy the
	// retry immediately instead of waiting out the delay.
	if settings.RetryOnReconnect && execErr.Code == CodeNoWorkerOnline {
		decision.OnReconnect = true
	}
	return decision
}
