// Package monitor implements the Agent Monitor (§4.8): an embedded
// relational store (modernc.org/sqlite, pure Go, grounded on
// nevindra-oasis/store/sqlite.Store) tracking agent lifecycle and
// telemetry, with every read and write wrapped in an exponential-backoff
// retry on busy/locked errors.
package monitor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig configures the busy-retry loop around store operations,
// adapted from the teacher's runtime/a2a/retry.Config shape (same
// exponential-backoff-with-jitter algorithm) but parameterised for
// SQLITE_BUSY/SQLITE_LOCKED instead of HTTP/network errors.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

// BusyRetryConfig returns the fixed parameters §4.8 specifies: initial
// 50ms, doubling, cap 2s, max attempts 5, ±25% jitter.
func BusyRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.25,
	}
}

// ExhaustedError is returned when every retry attempt fails.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("store busy/locked after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// busyMarkers are the substrings modernc.org/sqlite's error messages
// carry for SQLITE_BUSY and SQLITE_LOCKED.
var busyMarkers = []string{"sqlite_busy", "database is locked", "sqlite_locked"}

// isBusyError reports whether err represents a transient busy/locked
// condition worth retrying, as opposed to a structural failure (syntax
// error, constraint violation) that retrying cannot fix.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range busyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// doWithRetry executes fn, retrying on busy/locked errors per cfg. The
// final attempt's error, wrapped in ExhaustedError, is returned if every
// attempt fails; a non-busy error returns immediately without retrying.
func doWithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err
		if !isBusyError(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateBackoff(cfg, attempt)):
		}
	}

	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

func calculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // timing jitter, not security sensitive
		backoff += jitter
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
