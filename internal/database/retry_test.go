package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableDBError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("disk I/O error"), true},
		{errors.New("UNIQUE constraint failed: queued_actions.namespace, queued_actions.id"), false},
		{errors.New("no such table: queued_actions"), false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableDBError(tt.err), "%v", tt.err)
	}
}

func TestRetryableDBOperation_RetriesLockContention(t *testing.T) {
	calls := 0
	got, err := retryableDBOperation(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("database is locked")
		}
		return 42, nil
	}, "test op")
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetryableDBOperation_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retryableDBOperationNoReturn(context.Background(), func() error {
		calls++
		return errors.New("UNIQUE constraint failed")
	}, "insert")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert failed")
	assert.Equal(t, 1, calls)
}

func TestRetryableDBOperation_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := retryableDBOperationNoReturn(context.Background(), func() error {
		calls++
		return errors.New("database is locked")
	}, "write")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestRetryableDBOperation_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	<-ctx.Done()

	err := retryableDBOperationNoReturn(ctx, func() error { return nil }, "noop")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
