// Package retry runs a unit of work under a bounded, classified retry policy
// with exponentially growing delays and per-attempt timeouts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Timeouts holds the per-attempt deadline; attempts past the end reuse
	// the last entry.
	Timeouts []time.Duration
}

// FromConfig builds the transcription policy. Timeouts escalate 1x, 2x, 3x
// of the base timeout.
func FromConfig(cfg config.TranscriptionConfig) Policy {
	base := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return Policy{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: time.Duration(cfg.RetryDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxRetryDelayMS) * time.Millisecond,
		Multiplier:   2,
		Timeouts:     []time.Duration{base, 2 * base, 3 * base},
	}
}

// TimeoutFor returns the deadline for the 1-based attempt. Zero means none.
func (p Policy) TimeoutFor(attempt int) time.Duration {
	if len(p.Timeouts) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Timeouts) {
		idx = len(p.Timeouts) - 1
	}
	return p.Timeouts[idx]
}

// DelayAfter returns the pause before attempt+1.
func (p Policy) DelayAfter(attempt int) time.Duration {
	delay := p.InitialDelay
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// budget bounds the whole run generously so only MaxAttempts ends it.
func (p Policy) budget() time.Duration {
	var total time.Duration
	for i := 1; i <= p.attempts(); i++ {
		total += p.TimeoutFor(i) + p.DelayAfter(i)
	}
	return 2*total + time.Minute
}

func (p Policy) backOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// Op is one attempt. It receives a context carrying the attempt deadline.
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// Notify is called before sleeping ahead of the next attempt.
type Notify func(attempt int, err error, wait time.Duration)

// Gate is acquired before each attempt and released after it. Waiting at
// the gate does not count against the attempt deadline or the attempt count.
type Gate func(ctx context.Context) (release func(), err error)

// Do runs op until it succeeds, returns an error retryable rejects, or the
// policy runs out of attempts. It reports how many attempts were made.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op Op[T], notify Notify) (T, int, error) {
	return DoGated(ctx, p, nil, retryable, op, notify)
}

// DoGated is Do with a gate in front of every attempt. A gate error ends the
// loop without consuming an attempt.
func DoGated[T any](ctx context.Context, p Policy, gate Gate, retryable func(error) bool, op Op[T], notify Notify) (T, int, error) {
	attempt := 0
	operation := func() (T, error) {
		if gate != nil {
			release, err := gate(ctx)
			if err != nil {
				var zero T
				return zero, backoff.Permanent(err)
			}
			defer release()
		}
		attempt++
		attemptCtx := ctx
		if timeout := p.TimeoutFor(attempt); timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		val, err := op(attemptCtx, attempt)
		if err != nil && (retryable == nil || !retryable(err)) {
			return val, backoff.Permanent(err)
		}
		return val, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.attempts())),
		backoff.WithMaxElapsedTime(p.budget()),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}

	val, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return val, attempt, err
}
