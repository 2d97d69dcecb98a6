package mq

import (
	"errors"
	"time"

	appErr "judgeflow/pkg/errors"
)

// BackoffType selects how the retry delay grows.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// BackoffPolicy describes the delay before attempt n+1 after attempt n failed.
type BackoffPolicy struct {
	Type     BackoffType   `yaml:"type" json:"type"`
	Delay    time.Duration `yaml:"delay" json:"delay"`
	MaxDelay time.Duration `yaml:"maxDelay" json:"maxDelay,omitempty"`
}

// Next returns the delay after the given failed attempt (1-based):
// Delay*2^(attempt-1) for exponential, Delay for fixed.
func (p BackoffPolicy) Next(attempt int) time.Duration {
	if p.Type == BackoffFixed {
		if p.MaxDelay > 0 && p.Delay > p.MaxDelay {
			return p.MaxDelay
		}
		return p.Delay
	}
	return ComputeBackoff(attempt-1, p.Delay, p.MaxDelay)
}

// ComputeBackoff doubles base retryCount times, capped at max when max > 0.
func ComputeBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount <= 0 {
		if max > 0 && base > max {
			return max
		}
		return base
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// RetryStep is the outcome of one failed attempt.
type RetryStep struct {
	Retry bool
	Delay time.Duration
}

// NextStep decides what happens to a job whose attempt number attemptsMade
// failed with err. It never touches the store, so the state machine can be
// tested without a queue.
func NextStep(attemptsMade, maxAttempts int, policy BackoffPolicy, err error) RetryStep {
	if IsUnrecoverable(err) {
		return RetryStep{}
	}
	if attemptsMade >= maxAttempts {
		return RetryStep{}
	}
	return RetryStep{Retry: true, Delay: policy.Next(attemptsMade)}
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err as terminal: the job fails without further attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable or carries
// an error code that is never retried.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	var u *unrecoverableError
	if errors.As(err, &u) {
		return true
	}
	var e *appErr.Error
	if errors.As(err, &e) {
		return !e.Code.Retryable()
	}
	return false
}
