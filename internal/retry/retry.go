package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"NewsScanner/internal/domain"
)

// Sleeper waits between attempts; it must return early when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy is a fixed-delay attempt budget.
type Policy struct {
	Attempts int
	Delay    time.Duration
	// Sleep replaces the timer between attempts. Nil uses a real timer.
	Sleep Sleeper
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Service  string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s call failed after %d attempts: %v", e.Service, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Is matches domain.ErrScorerExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == domain.ErrScorerExhausted
}

// Permanent marks err as not worth another attempt.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

// Do calls op until it succeeds, returns a Permanent error, ctx ends or the
// budget runs out. Exhaustion yields *ExhaustedError wrapping the last error.
func Do(ctx context.Context, service string, p Policy, notify Notify, op func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay < 0 {
		delay = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	permanent := false
	operation := func() error {
		if err := ctx.Err(); err != nil {
			permanent = true
			return backoff.Permanent(err)
		}
		attempt++
		err := op(attempt)
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			permanent = true
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, next time.Duration) { notify(attempt, err, next) }
	}
	var timer backoff.Timer
	if p.Sleep != nil {
		timer = &sleepTimer{ctx: ctx, sleep: p.Sleep}
	}

	err := backoff.RetryNotifyWithTimer(operation, b, onRetry, timer)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case permanent:
		return err
	default:
		return &ExhaustedError{Service: service, Attempts: attempt, Last: err}
	}
}

// sleepTimer adapts a Sleeper to backoff.Timer.
type sleepTimer struct {
	ctx   context.Context
	sleep Sleeper
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	_ = t.sleep(t.ctx, d)
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time {
	return t.c
}
