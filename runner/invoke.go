// Package runner invokes handlers with bounded retries and per-attempt
// timeouts, reporting the result as an explicit Outcome instead of relying on
// error propagation.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	migration "github.com/goliatone/go-migration"
)

// OutcomeKind classifies how an invocation ended.
type OutcomeKind string

const (
	Succeeded OutcomeKind = "succeeded"
	Failed    OutcomeKind = "failed"
	TimedOut  OutcomeKind = "timed_out"
)

// Outcome is the result variant of one invocation, covering every attempt.
type Outcome[T any] struct {
	Kind     OutcomeKind
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

func (o Outcome[T]) OK() bool { return o.Kind == Succeeded }

// Func is one attempt; attempt starts at 1.
type Func[T any] func(ctx context.Context, attempt int) (T, error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Invoke runs fn under policy. Each attempt runs on a context detached from
// ctx cancellation and bounded by policy.Timeout, so an in-flight call always
// runs to its own deadline. Once ctx is cancelled no further attempts start.
// A timed out attempt is reported like any other failure, with Kind TimedOut.
func Invoke[T any](ctx context.Context, policy Policy, fn Func[T]) Outcome[T] {
	policy = policy.Normalize()
	start := time.Now()
	base := context.WithoutCancel(ctx)

	var (
		out      Outcome[T]
		lastErr  error
		timedOut bool
	)

	err := retry.Do(base, newBackoff(policy.Strategy, policy.MaxAttempts-1), func(_ context.Context) error {
		if out.Attempts > 0 && ctx.Err() != nil {
			return lastErr
		}
		out.Attempts++
		value, err, expired := callOnce(base, policy.Timeout, out.Attempts, fn)
		if err == nil {
			out.Value = value
			return nil
		}
		lastErr = err
		timedOut = expired
		if IsPermanent(err) {
			return err
		}
		return retry.RetryableError(err)
	})

	out.Duration = time.Since(start)
	if err == nil {
		out.Kind = Succeeded
		return out
	}
	if lastErr == nil {
		lastErr = err
	}
	meta := map[string]any{"attempts": out.Attempts}
	if timedOut {
		out.Kind = TimedOut
		out.Err = migration.NewError(migration.ErrTimeout, "", lastErr, meta)
		return out
	}
	out.Kind = Failed
	out.Err = lastErr
	if migration.Code(lastErr) == "" {
		out.Err = migration.NewError(migration.ErrHandler, lastErr.Error(), lastErr, meta)
	}
	return out
}

type attemptResult[T any] struct {
	value T
	err   error
}

func callOnce[T any](base context.Context, timeout time.Duration, attempt int, fn Func[T]) (T, error, bool) {
	callCtx, cancel := base, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(base, timeout)
	}
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		var res attemptResult[T]
		res.err = migration.CatchPanic(func() error {
			v, err := fn(callCtx, attempt)
			res.value = v
			return err
		})
		done <- res
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, res.err, true
		}
		return res.value, res.err, false
	case <-callCtx.Done():
		// the handler ignored its deadline; abandon it
		return zero, callCtx.Err(), true
	}
}
