package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCodeNotFound, "action missing")
	assert.Equal(t, "NOT_FOUND: action missing", err.Error())

	wrapped := Wrap(stderrors.New("disk full"), ErrCodeDatabaseQuery, "insert failed")
	assert.Equal(t, "DATABASE_QUERY: insert failed: disk full", wrapped.Error())
	assert.Equal(t, "disk full", stderrors.Unwrap(wrapped).Error())
}

func TestAs_FindsWrappedAppError(t *testing.T) {
	inner := NewAuthorizationError("alice", "bob")
	outer := fmt.Errorf("send envelope: %w", inner)

	appErr, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, ErrCodeAuthorization, appErr.Code)
	assert.Equal(t, ErrCodeAuthorization, GetCode(outer))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error is transient", stderrors.New("connection reset"), false},
		{"authorization", NewAuthorizationError("a", "b"), true},
		{"validation", NewValidationError("type", "unknown"), true},
		{"terminal", NewTerminalError("act-1", 5, stderrors.New("boom")), true},
		{"retryable api error", NewAPIError("backend", "/messages", 503, nil), false},
		{"forbidden api error", NewAPIError("relay", "/signals", 403, nil), true},
		{"database error", NewDatabaseError("insert", stderrors.New("locked")), false},
		{"wrapped authorization", fmt.Errorf("ctx: %w", NewAuthorizationError("a", "b")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

func TestNewAPIError_Classification(t *testing.T) {
	tests := []struct {
		status    int
		code      ErrorCode
		retryable bool
	}{
		{http.StatusInternalServerError, ErrCodeRelayAPI, true},
		{http.StatusTooManyRequests, ErrCodeRelayAPI, true},
		{http.StatusRequestTimeout, ErrCodeRelayAPI, true},
		{0, ErrCodeRelayAPI, true},
		{http.StatusUnauthorized, ErrCodeAuthentication, false},
		{http.StatusForbidden, ErrCodeAuthorization, false},
		{http.StatusBadRequest, ErrCodeValidationFailed, false},
		{http.StatusNotFound, ErrCodeNotFound, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := NewAPIError("relay", "/v1/calls/c1/signals", tt.status, stderrors.New("x"))
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, HTTPStatusCode(NewAuthorizationError("a", "b")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatusCode(NewAuthError("expired")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusCode(NewValidationError("callId", "required")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusCode(NewDatabaseError("poll", stderrors.New("locked"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusCode(stderrors.New("plain")))
}

func TestToHTTPResponse_HidesCaller(t *testing.T) {
	resp := ToHTTPResponse(NewAuthorizationError("alice", "bob"), "req-1")

	assert.Equal(t, ErrCodeAuthorization, resp.Error.Code)
	assert.Equal(t, "req-1", resp.RequestID)
	ctx, ok := resp.Error.Context.(map[string]interface{})
	require.True(t, ok)
	assert.NotContains(t, ctx, "caller")
	assert.Equal(t, "bob", ctx["endpoint"])
}

func TestMaskID(t *testing.T) {
	assert.Equal(t, "", MaskID(""))
	assert.Equal(t, "***", MaskID("abc"))
	assert.Equal(t, "**********lice", MaskID("endpoint-alice"))
	assert.Equal(t, "eyJh...****", MaskToken("eyJhbGciOiJIUzI1NiJ9"))
}
