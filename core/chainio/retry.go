package chainio

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	retryBase     = 250 * time.Millisecond
	retryMax      = 5 * time.Second
	retryAttempts = 5
)

// transient reports whether a chain RPC failure is worth retrying.
// Deterministic outcomes (reverts, nonce errors) are returned as-is.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"EOF",
		"too many requests",
		"502", "503",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// withRetry runs fn with capped exponential backoff. Only transient
// failures are retried; the last error is returned once attempts are
// exhausted or the context is done.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil || !transient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMax {
			delay = retryMax
		}
	}
	return err
}
