// Package retry runs an operation under a bounded attempt budget with
// jittered exponential backoff between attempts.
//
// Each call to Do walks a small state machine:
//
//	ATTEMPTING -> SUCCEEDED
//	ATTEMPTING -> BACKING_OFF -> ATTEMPTING
//	ATTEMPTING -> EXHAUSTED   (attempt budget spent)
//	ATTEMPTING -> ABORTED     (permanent error)
//	BACKING_OFF -> ABORTED    (context cancelled)
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxAttempts         = 50
	DefaultInitialInterval     = 5 * time.Second
	DefaultMultiplier          = 1.5
	DefaultMaxInterval         = 60 * time.Second
	DefaultRandomizationFactor = 0.2
)

// Policy holds retry configuration.
type Policy struct {
	MaxAttempts         int           `yaml:"max_attempts" json:"max_attempts"`
	InitialInterval     time.Duration `yaml:"initial_interval" json:"initial_interval"`
	Multiplier          float64       `yaml:"multiplier" json:"multiplier"`
	MaxInterval         time.Duration `yaml:"max_interval" json:"max_interval"`
	RandomizationFactor float64       `yaml:"randomization_factor" json:"randomization_factor"`
}

// DefaultPolicy returns the default retry policy: 50 attempts, starting at 5s
// and growing by 1.5x up to 60s, with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         DefaultMaxAttempts,
		InitialInterval:     DefaultInitialInterval,
		Multiplier:          DefaultMultiplier,
		MaxInterval:         DefaultMaxInterval,
		RandomizationFactor: DefaultRandomizationFactor,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be greater than 0, got %d", p.MaxAttempts)
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("initial interval must be greater than 0, got %s", p.InitialInterval)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", p.Multiplier)
	}
	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("max interval %s must not be less than initial interval %s", p.MaxInterval, p.InitialInterval)
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		return fmt.Errorf("randomization factor must be in [0, 1), got %v", p.RandomizationFactor)
	}
	return nil
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()
	return b
}

type State int

const (
	StateAttempting State = iota
	StateBackingOff
	StateSucceeded
	StateExhausted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "ATTEMPTING"
	case StateBackingOff:
		return "BACKING_OFF"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateExhausted:
		return "EXHAUSTED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateAborted
}

// Transition describes a single state change. Wait is set when entering
// BACKING_OFF and Err carries the error that caused the change, if any.
type Transition struct {
	From    State
	To      State
	Attempt int
	Wait    time.Duration
	Err     error
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}

type options struct {
	clock        clockwork.Clock
	onTransition func(Transition)
	isPermanent  func(error) bool
}

type Option func(*options)

// WithClock sets the clock used to wait between attempts.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithOnTransition registers a hook called synchronously on every state change.
func WithOnTransition(fn func(Transition)) Option {
	return func(o *options) { o.onTransition = fn }
}

// WithPermanent adds a classifier for errors that must not be retried. Errors
// marked with Permanent are always treated as permanent.
func WithPermanent(fn func(error) bool) Option {
	return func(o *options) { o.isPermanent = fn }
}

// Do calls op until it succeeds, fails permanently, the attempt budget is
// spent, or ctx is done. The attempt number passed to op starts at 1.
//
// A permanent error is returned unwrapped from any backoff.PermanentError
// marker. Exhaustion returns *ExhaustedError. Cancellation returns an error
// wrapping ctx.Err().
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), opts ...Option) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, fmt.Errorf("invalid retry policy: %w", err)
	}

	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	transition := func(tr Transition) {
		if o.onTransition != nil {
			o.onTransition(tr)
		}
	}

	b := p.newBackOff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			transition(Transition{From: StateAttempting, To: StateAborted, Attempt: attempt - 1, Err: err})
			return zero, aborted(attempt-1, err, lastErr)
		}

		val, err := op(ctx, attempt)
		if err == nil {
			transition(Transition{From: StateAttempting, To: StateSucceeded, Attempt: attempt})
			return val, nil
		}
		lastErr = err

		if IsPermanent(err) || (o.isPermanent != nil && o.isPermanent(err)) {
			transition(Transition{From: StateAttempting, To: StateAborted, Attempt: attempt, Err: err})
			var perr *backoff.PermanentError
			if errors.As(err, &perr) {
				return zero, perr.Unwrap()
			}
			return zero, err
		}

		if attempt >= p.MaxAttempts {
			transition(Transition{From: StateAttempting, To: StateExhausted, Attempt: attempt, Err: err})
			return zero, &ExhaustedError{Attempts: attempt, Last: err}
		}

		wait := b.NextBackOff()
		transition(Transition{From: StateAttempting, To: StateBackingOff, Attempt: attempt, Wait: wait, Err: err})
		if err := sleepOrDone(ctx, o.clock, wait); err != nil {
			transition(Transition{From: StateBackingOff, To: StateAborted, Attempt: attempt, Err: err})
			return zero, aborted(attempt, err, lastErr)
		}
		transition(Transition{From: StateBackingOff, To: StateAttempting, Attempt: attempt + 1})
	}
}

func aborted(attempts int, ctxErr, last error) error {
	if last == nil {
		return fmt.Errorf("retry aborted before first attempt: %w", ctxErr)
	}
	return fmt.Errorf("retry aborted after %d attempts (last error: %v): %w", attempts, last, ctxErr)
}

func sleepOrDone(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
