// Package executor runs remote robot operations under a timeout and a retry
// policy, and classifies their outcome.
//
// Every remote call from the cover and sensor packages goes through an
// Executor. Each logical operation class (one motor, one sensor, discovery)
// keeps its own backoff counter so that a failing sensor does not slow down
// cover commands.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/logging"
	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// DefaultTimeout bounds an attempt when the policy leaves it unset.
const DefaultTimeout = 5 * time.Second

// Policy bounds one operation.
type Policy struct {
	// Timeout bounds each attempt, including session acquisition.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// Sessions supplies robot sessions. *connection.Manager satisfies it.
type Sessions interface {
	EnsureConnected(ctx context.Context) (*connection.Session, error)
	OnFailureObserved(s *connection.Session, err error)
}

// Executor runs bounded operations.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Executor struct {
	sessions Sessions
	backoff  connection.BackoffConfig
	logger   *logging.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	classes map[string]*connection.Backoff
}

// New creates an Executor. Retry waits follow the backoff schedule used for
// connections. A nil logger discards output.
func New(sessions Sessions, backoff connection.BackoffConfig, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{
		sessions: sessions,
		backoff:  backoff,
		logger:   logger.With("component", "executor"),
		sleep:    sleepCtx,
		classes:  make(map[string]*connection.Backoff),
	}
}

// Execute acquires a session and runs op against it.
//
// Parameters:
//   - ctx: cancels the whole operation, including pending retries
//   - e: executor
//   - class: operation class owning the retry counter, e.g. "cover/door"
//   - p: timeout and retry policy
//   - op: the remote call; it must honour its ctx
//
// Returns:
//   - T: op's result
//   - error: *CommandError, or ctx's error when ctx ended first
func Execute[T any](ctx context.Context, e *Executor, class string, p Policy, op func(ctx context.Context, conn robot.Conn) (T, error)) (T, error) {
	var last *connection.Session
	var mu sync.Mutex

	attempt := func(actx context.Context) (T, error) {
		var zero T
		s, err := e.sessions.EnsureConnected(actx)
		if err != nil {
			return zero, err
		}
		mu.Lock()
		last = s
		mu.Unlock()

		v, err := op(actx, s.Conn)
		if err != nil && isTransport(err) {
			e.sessions.OnFailureObserved(s, err)
		}
		return v, err
	}

	v, err := retry(ctx, e, class, p, attempt)

	if IsKind(err, KindExhausted) && IsKind(err, KindTimeout) {
		mu.Lock()
		s := last
		mu.Unlock()
		if s != nil {
			e.sessions.OnFailureObserved(s, err)
		}
	}
	return v, err
}

// Call runs op under the same timeout and retry rules without a robot
// session. It is used for cloud queries.
func Call[T any](ctx context.Context, e *Executor, class string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	return retry(ctx, e, class, p, op)
}

// Run is Execute for operations without a result.
func (e *Executor) Run(ctx context.Context, class string, p Policy, op func(ctx context.Context, conn robot.Conn) error) error {
	_, err := Execute(ctx, e, class, p, func(ctx context.Context, conn robot.Conn) (struct{}, error) {
		return struct{}{}, op(ctx, conn)
	})
	return err
}

// Forget drops the retry counter of a class whose resource disappeared.
func (e *Executor) Forget(class string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.classes, class)
}

// classBackoff returns the counter for class, creating it on first use.
func (e *Executor) classBackoff(class string) *connection.Backoff {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.classes[class]
	if !ok {
		b = connection.NewBackoff(e.backoff)
		e.classes[class] = b
	}
	return b
}

// retry drives attempts until success, a non-retryable error, or the attempt
// budget is spent.
func retry[T any](ctx context.Context, e *Executor, class string, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	total := 1 + max(p.MaxRetries, 0)
	b := e.classBackoff(class)

	var lastErr error
	for n := 1; ; n++ {
		v, err := bounded(ctx, p.Timeout, fn)
		if err == nil {
			b.Reset()
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%s: %w", class, ctxErr)
		}

		kind, retryable := classify(err)
		if !retryable {
			e.logger.Warn("command failed", "class", class, "kind", kind, "error", err)
			return zero, &CommandError{Kind: kind, Class: class, Attempts: n, Err: err}
		}

		lastErr = err
		if kind == KindTimeout {
			lastErr = &CommandError{Kind: KindTimeout, Class: class, Attempts: n,
				Err: fmt.Errorf("no result within %s: %w", p.Timeout, err)}
		}
		delay := b.Failure()
		if n >= total {
			break
		}

		e.logger.Debug("retrying command", "class", class, "attempt", n, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w", class, err)
		}
	}

	e.logger.Warn("command retries exhausted", "class", class, "attempts", total, "error", lastErr)
	return zero, &CommandError{Kind: KindExhausted, Class: class, Attempts: total, Err: lastErr}
}

// bounded runs fn with a per-attempt deadline. A result arriving after the
// deadline is dropped.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: panic: %v", robot.ErrRemote, r)}
			}
		}()
		v, err := fn(actx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-actx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, errAttemptTimeout
	}
}

// classify maps an attempt error to a kind and whether it may be retried.
func classify(err error) (Kind, bool) {
	var ce *connection.ConnectionError
	switch {
	case errors.Is(err, errAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout, true
	case errors.Is(err, connection.ErrClosed):
		return KindUnavailable, false
	case errors.As(err, &ce):
		if ce.Kind == connection.KindAuthFailed || errors.Is(err, robot.ErrAuthRejected) {
			return KindUnavailable, false
		}
		return KindExhausted, true
	case isTransport(err):
		return KindExhausted, true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout, true
		}
		return KindExhausted, true
	}
	return KindFailed, false
}

// isTransport reports errors meaning the session itself is unusable.
func isTransport(err error) bool {
	return errors.Is(err, robot.ErrUnreachable) ||
		errors.Is(err, robot.ErrClosed) ||
		errors.Is(err, robot.ErrAuthRejected)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
