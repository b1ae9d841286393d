package pullstream

import (
	rand "math/rand/v2"
	"sync"
	"time"

	"github.com/arloliu/pullstream/transport"
	"github.com/arloliu/pullstream/types"
)

// Defaults used by the built-in retry and backoff factories.
const (
	defaultBackoffBase       = 100 * time.Millisecond
	defaultBackoffCap        = 10 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultMaxConnectRetries = 8
)

// ExponentialBackoff yields exponentially growing delays with decorrelated
// jitter ("Full Jitter" variant) and a cap.
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
//
// A backoff instance is stateful and scoped to one logical operation; use
// NewExponentialBackoffFactory to mint fresh instances per operation.
type ExponentialBackoff struct {
	base time.Duration
	cap  time.Duration
	mult float64

	mu   sync.Mutex
	prev time.Duration
	rng  *rand.Rand
}

// NewExponentialBackoff creates a jittered exponential backoff.
//
// Parameters:
//   - base: First delay; non-positive falls back to 50ms
//   - capDur: Upper bound on any delay; 0 disables the cap
//   - mult: Growth factor per attempt; values below 1.0 fall back to 1.0
//   - seed: Non-zero seeds a deterministic RNG for reproducible tests; 0 uses
//     the shared package RNG
//
// Returns:
//   - *ExponentialBackoff: Backoff starting from base on the first call
func NewExponentialBackoff(base, capDur time.Duration, mult float64, seed int64) *ExponentialBackoff {
	return &ExponentialBackoff{
		base: base,
		cap:  capDur,
		mult: mult,
		rng:  newRetryRNG(seed),
	}
}

// NextDelay returns the next jittered delay and advances the backoff state.
func (b *ExponentialBackoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prev = jitterBackoff(b.prev, b.base, b.mult, b.cap, b.rng)

	return b.prev
}

// jitterBackoff computes the next decorrelated-jitter delay.
//
// Given previous delay (prev), computes next delay as:
//
//	next = min(cap, base + rand.Intn(int(float64(prev)*multiplier-base))) with guards
//
// Behavior:
//   - If prev <= 0, start from base
//   - Multiplier <= 1.0 falls back to 1.0 (no growth)
//   - Cap <= base returns base
func jitterBackoff(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}

	if prev <= 0 {
		if capDur > 0 && base > capDur {
			return capDur
		}

		return base
	}
	maxDuration := time.Duration(float64(prev)*mult) - base
	if maxDuration <= 0 {
		maxDuration = base
	}
	// determine jitter source
	var jitter int64
	if rng != nil {
		jitter = rng.Int64N(int64(maxDuration))
	} else {
		jitter = rand.Int64N(int64(maxDuration)) //nolint:gosec // non-crypto backoff jitter
	}
	next := base + time.Duration(jitter)
	if capDur > 0 && next > capDur {
		return capDur
	}

	return next
}

// newRetryRNG returns a deterministic RNG only when a non-zero seed is
// provided. When seed == 0 it returns nil so callers use the package-level
// PRNG instead, keeping production jitter inexpensive.
//
//nolint:gosec
func newRetryRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	s1 := uint64(seed)
	s2 := s1 ^ 0x9e3779b97f4a7c15

	return rand.New(rand.NewPCG(s1, s2))
}

// LimitedRetryPolicy allows a bounded number of failures, optionally
// classifying each failure first: a failure the classifier rejects exhausts
// the policy immediately.
//
// A policy instance is stateful and scoped to one logical operation.
type LimitedRetryPolicy struct {
	maxFailures int
	retriable   func(err error) bool

	mu       sync.Mutex
	failures int
}

// NewLimitedRetryPolicy creates a retry policy allowing up to maxFailures
// failures.
//
// Parameters:
//   - maxFailures: Failure budget; the maxFailures-th failure stops retrying
//   - retriable: Classifier; a failure it returns false for is permanent and
//     exhausts the policy at once. nil treats every failure as retriable.
//
// Returns:
//   - *LimitedRetryPolicy: Fresh policy with the full budget
func NewLimitedRetryPolicy(maxFailures int, retriable func(err error) bool) *LimitedRetryPolicy {
	return &LimitedRetryPolicy{
		maxFailures: maxFailures,
		retriable:   retriable,
	}
}

// OnFailure records one failure and reports whether the operation should be
// retried.
func (p *LimitedRetryPolicy) OnFailure(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.retriable != nil && !p.retriable(err) {
		p.failures = p.maxFailures
		return false
	}
	p.failures++

	return p.failures < p.maxFailures
}

// IsExhausted reports whether the failure budget is spent.
func (p *LimitedRetryPolicy) IsExhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.failures >= p.maxFailures
}

// defaultRetryFactory mints the stock connect retry policy: transient gRPC
// codes are retried up to the default budget, anything else is permanent.
func defaultRetryFactory() types.RetryPolicy {
	return NewLimitedRetryPolicy(defaultMaxConnectRetries, transport.IsTransient)
}

// defaultBackoffFactory mints the stock jittered exponential backoff.
func defaultBackoffFactory() types.BackoffPolicy {
	return NewExponentialBackoff(defaultBackoffBase, defaultBackoffCap, defaultBackoffMultiplier, 0)
}
