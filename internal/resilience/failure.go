// Package resilience wraps calls to unreliable downstream dependencies
// (the AI completion provider above all) in a fixed guard composition:
// bulkhead, rate limiter, circuit breaker and bounded retry, with a
// deterministic fallback when every guard is exhausted. Downstream failures
// never escape the gateway; callers receive a typed Outcome instead.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureKind is the closed classification consumed by the retry and
// breaker guards. Classification happens once per attempt at the call site
// rather than through open-ended error type matching, so a new error type
// can never land in the wrong bucket silently.
type FailureKind int

const (
	// KindNone indicates success.
	KindNone FailureKind = iota

	// KindRecoverable covers timeouts, connection errors and provider-side
	// 5xx conditions. Retried and counted by the breaker.
	KindRecoverable

	// KindProviderRejection covers malformed-request style provider errors.
	// Retried and counted by the breaker.
	KindProviderRejection

	// KindThrottled covers self-inflicted rate limiting. Never retried and
	// never counted by the breaker: throttling must not trip the circuit.
	KindThrottled

	// KindNonRetriable covers programmer and caller errors. Surfaced as a
	// degraded outcome without retrying.
	KindNonRetriable
)

// String returns the label used in logs and metrics.
func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRecoverable:
		return "recoverable"
	case KindProviderRejection:
		return "provider_rejection"
	case KindThrottled:
		return "throttled"
	case KindNonRetriable:
		return "non_retriable"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// countsAsFailure reports whether the breaker records this kind.
func (k FailureKind) countsAsFailure() bool {
	return k == KindRecoverable || k == KindProviderRejection
}

// retriable reports whether the retry guard may attempt again.
func (k FailureKind) retriable() bool {
	return k == KindRecoverable || k == KindProviderRejection
}

// RecoverableError marks a downstream failure as retryable (timeout,
// connection error, provider 5xx).
type RecoverableError struct {
	Cause error
}

func (e *RecoverableError) Error() string { return "recoverable downstream failure: " + e.Cause.Error() }
func (e *RecoverableError) Unwrap() error { return e.Cause }

// ProviderRejectionError marks a provider-side rejection of the request
// content (4xx-style). Retried in case the rejection is transient, and
// counted by the breaker.
type ProviderRejectionError struct {
	Cause error
}

func (e *ProviderRejectionError) Error() string { return "provider rejected call: " + e.Cause.Error() }
func (e *ProviderRejectionError) Unwrap() error { return e.Cause }

// RateLimitedError marks a call rejected by our own throttling budget.
type RateLimitedError struct {
	Cause error
}

func (e *RateLimitedError) Error() string { return "rate limited: " + e.Cause.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Cause }

// Recoverable wraps err as a recoverable downstream failure.
func Recoverable(err error) error { return &RecoverableError{Cause: err} }

// ProviderRejected wraps err as a provider rejection.
func ProviderRejected(err error) error { return &ProviderRejectionError{Cause: err} }

// RateLimited wraps err as a self-inflicted throttling failure.
func RateLimited(err error) error { return &RateLimitedError{Cause: err} }

// Classify maps an error from a unit of work to its FailureKind.
//
// Explicit markers win. Unmarked context deadline expiry and net errors are
// treated as recoverable: a unit of work that exceeds its hard timeout is a
// downstream failure for retry and breaker accounting regardless of how the
// underlying client reported it. Everything else is non-retriable.
func Classify(err error) FailureKind {
	if err == nil {
		return KindNone
	}

	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		return KindThrottled
	}
	var recoverable *RecoverableError
	if errors.As(err, &recoverable) {
		return KindRecoverable
	}
	var rejected *ProviderRejectionError
	if errors.As(err, &rejected) {
		return KindProviderRejection
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindRecoverable
	}
	if errors.Is(err, context.Canceled) {
		return KindNonRetriable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRecoverable
	}

	return KindNonRetriable
}
