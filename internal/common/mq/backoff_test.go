package mq_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"judgeflow/internal/common/mq"
	appErr "judgeflow/pkg/errors"
)

func TestBackoffPolicyNext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		policy  mq.BackoffPolicy
		attempt int
		want    time.Duration
	}{
		{name: "exponential first", policy: mq.BackoffPolicy{Type: mq.BackoffExponential, Delay: time.Second}, attempt: 1, want: time.Second},
		{name: "exponential second", policy: mq.BackoffPolicy{Type: mq.BackoffExponential, Delay: time.Second}, attempt: 2, want: 2 * time.Second},
		{name: "exponential third", policy: mq.BackoffPolicy{Type: mq.BackoffExponential, Delay: time.Second}, attempt: 3, want: 4 * time.Second},
		{name: "exponential capped", policy: mq.BackoffPolicy{Type: mq.BackoffExponential, Delay: time.Second, MaxDelay: 3 * time.Second}, attempt: 3, want: 3 * time.Second},
		{name: "fixed", policy: mq.BackoffPolicy{Type: mq.BackoffFixed, Delay: 500 * time.Millisecond}, attempt: 5, want: 500 * time.Millisecond},
		{name: "zero base", policy: mq.BackoffPolicy{Type: mq.BackoffExponential}, attempt: 2, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.policy.Next(tt.attempt); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNextStep(t *testing.T) {
	t.Parallel()
	policy := mq.BackoffPolicy{Type: mq.BackoffExponential, Delay: 100 * time.Millisecond}
	transient := errors.New("sandbox unreachable")

	tests := []struct {
		name      string
		made      int
		max       int
		err       error
		wantRetry bool
		wantDelay time.Duration
	}{
		{name: "first failure", made: 1, max: 3, err: transient, wantRetry: true, wantDelay: 100 * time.Millisecond},
		{name: "second failure", made: 2, max: 3, err: transient, wantRetry: true, wantDelay: 200 * time.Millisecond},
		{name: "attempts exhausted", made: 3, max: 3, err: transient},
		{name: "unrecoverable", made: 1, max: 3, err: mq.Unrecoverable(transient)},
		{name: "wrapped unrecoverable", made: 1, max: 3, err: fmt.Errorf("judge: %w", mq.Unrecoverable(transient))},
		{name: "validation code", made: 1, max: 3, err: appErr.ValidationError("mode", "unknown")},
		{name: "retryable code", made: 1, max: 3, err: appErr.New(appErr.SandboxUnavailable), wantRetry: true, wantDelay: 100 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			step := mq.NextStep(tt.made, tt.max, policy, tt.err)
			if step.Retry != tt.wantRetry {
				t.Fatalf("expected retry=%v, got %v", tt.wantRetry, step.Retry)
			}
			if step.Delay != tt.wantDelay {
				t.Fatalf("expected delay %v, got %v", tt.wantDelay, step.Delay)
			}
		})
	}
}

func TestUnrecoverableKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := mq.Unrecoverable(cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved")
	}
	if err.Error() != "boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if mq.Unrecoverable(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestTokenLimiter(t *testing.T) {
	limiter := mq.NewTokenLimiter(2)
	if !limiter.TryAcquire() || !limiter.TryAcquire() {
		t.Fatalf("expected two tokens")
	}
	if limiter.TryAcquire() {
		t.Fatalf("expected limiter to be exhausted")
	}
	limiter.Release()
	if limiter.Available() != 1 {
		t.Fatalf("expected one free token, got %d", limiter.Available())
	}
	limiter.Release()
	limiter.Release()
	if limiter.Available() != 2 {
		t.Fatalf("release must not exceed capacity, got %d", limiter.Available())
	}
}
