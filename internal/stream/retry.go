package stream

import (
	"time"

	"github.com/arloliu/pullstream/types"
)

// AckRetryPolicy bounds the retry loop of one exactly-once acknowledge or
// deadline-modification call.
//
// The budget is a wall-clock deadline fixed at construction: once it passes,
// the operation stops retrying regardless of how its last failure was
// classified. Classification itself (which ack ids failed transiently) is
// the transport's job; the policy only answers "may this operation try
// again, and after how long".
type AckRetryPolicy struct {
	deadline time.Time
	backoff  types.BackoffPolicy
	now      func() time.Time
}

// NewAckRetryPolicy creates a policy with the given retry budget.
//
// Parameters:
//   - budget: Total wall-clock time the operation may keep retrying
//   - backoff: Delay source for successive attempts (must be non-nil)
//   - now: Time source; nil uses time.Now
//
// Returns:
//   - *AckRetryPolicy: Policy scoped to one in-flight operation
func NewAckRetryPolicy(budget time.Duration, backoff types.BackoffPolicy, now func() time.Time) *AckRetryPolicy {
	if now == nil {
		now = time.Now
	}

	return &AckRetryPolicy{
		deadline: now().Add(budget),
		backoff:  backoff,
		now:      now,
	}
}

// IsExhausted reports whether the retry budget is spent.
func (p *AckRetryPolicy) IsExhausted() bool {
	return !p.now().Before(p.deadline)
}

// NextDelay returns the backoff delay before the next attempt, clipped so
// the attempt still starts within the budget.
func (p *AckRetryPolicy) NextDelay() time.Duration {
	delay := p.backoff.NextDelay()
	if remaining := p.deadline.Sub(p.now()); delay > remaining {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}

	return delay
}
