package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/constants"
)

// retryableDBOperation runs operation, retrying lock and I/O contention with
// linear backoff capped at DefaultMaxBackoffMs.
func retryableDBOperation[T any](ctx context.Context, operation func() (T, error), operationName string) (T, error) {
	var zero T
	var lastErr error

	maxAttempts := constants.DefaultDatabaseRetryAttempts
	initialBackoff := time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryableDBError(err) {
			return zero, fmt.Errorf("%s failed: %w", operationName, err)
		}
		if attempt == maxAttempts {
			break
		}

		backoff := time.Duration(attempt) * initialBackoff
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", operationName, maxAttempts, lastErr)
}

func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	_, err := retryableDBOperation(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, operationName)
	return err
}

// isRetryableDBError reports SQLite contention and transient I/O failures.
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "disk I/O error"):
		return true
	}
	return false
}
