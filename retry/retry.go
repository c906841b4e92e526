// Package retry implements the bounded retry harness used around queue,
// storage and task-loop operations. Errors are classified as transient or
// fatal; transient errors are retried with a constant pause and a budget
// that resets once the process has gone long enough without failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/aws/smithy-go"
)

// transientError marks an error as recoverable, where there is a reasonable
// assumption that retrying the operation will succeed.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the harness will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf formats a new transient error.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err justifies a retry: an explicit Transient
// wrapper, a network error, a truncated read, or an AWS API error. Anything
// else is fatal and propagates immediately.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var oe *smithy.OperationError
	return errors.As(err, &oe)
}

// Options carries the retry budget. Pause is the sleep between attempts,
// Reset the quiet period after which the attempt counter starts over.
type Options struct {
	Retries int
	Pause   time.Duration
	Reset   time.Duration
}

// Do runs action until it succeeds, returns a fatal error, or exhausts the
// retry budget. A worker that has run error-free for longer than Reset gets
// a fresh budget, so long-lived daemons are not killed by errors spread
// thinly over days.
func Do(ctx context.Context, opts Options, action func() error) error {
	lastErr := time.Now()
	attempt := 0
	for {
		err := action()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}

		now := time.Now()
		if now.Sub(lastErr) > opts.Reset {
			slog.Info("resetting retry budget")
			attempt = 0
		}
		lastErr = now
		attempt++
		slog.Warn("retrying after error",
			slog.Int("attempt", attempt),
			slog.Int("retries", opts.Retries),
			slog.Any("error", err))
		if attempt >= opts.Retries {
			return fmt.Errorf("failed after %d retries: %w", opts.Retries, err)
		}
		select {
		case <-time.After(opts.Pause):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
