package types

import "time"

// RetryPolicy classifies failures and bounds how long an operation keeps
// retrying. A policy instance is stateful and scoped to one logical
// operation (for example one stream connect sequence); use a factory to mint
// fresh instances.
type RetryPolicy interface {
	// OnFailure records a failure and reports whether the operation should be
	// retried. A false return means the failure is permanent or the retry
	// budget is spent.
	OnFailure(err error) bool

	// IsExhausted reports whether the retry budget is spent without recording
	// a new failure.
	IsExhausted() bool
}

// BackoffPolicy yields the delay to wait before the next retry attempt.
// A policy instance is stateful: successive calls typically grow the delay.
type BackoffPolicy interface {
	// NextDelay returns the delay before the next attempt.
	NextDelay() time.Duration
}

// RetryPolicyFactory mints a fresh RetryPolicy per logical operation.
type RetryPolicyFactory func() RetryPolicy

// BackoffPolicyFactory mints a fresh BackoffPolicy per logical operation.
type BackoffPolicyFactory func() BackoffPolicy
