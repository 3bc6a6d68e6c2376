package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"chatrelay/internal/errors"

	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"simple", "call-42", false},
		{"ulid", "01HZX3Q4B6V8YJ0M2N5P7R9T1W", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 129), true},
		{"whitespace", "call 42", true},
		{"newline", "call\n42", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("callId", tt.value)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetCode(err))
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, ValidateStringLength("héllo", "content", 1, 5))
	assert.Error(t, ValidateStringLength("", "content", 1, 5))
	assert.Error(t, ValidateStringLength("toolong", "content", 1, 5))
	assert.NoError(t, ValidateStringLength("unbounded", "content", 0, 0))
}

func TestValidateNumericRange(t *testing.T) {
	assert.NoError(t, ValidateNumericRange(3, "max_concurrency", 1, 5))
	assert.Error(t, ValidateNumericRange(6, "max_concurrency", 1, 5))
	assert.Error(t, ValidatePositive(0, "liveness_interval_sec"))
	assert.NoError(t, ValidatePositive(5, "liveness_interval_sec"))
}

func TestValidateHTTPRequestSize(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/calls/c/signals", strings.NewReader(strings.Repeat("x", 64)))
	assert.NoError(t, ValidateHTTPRequestSize(req, 128))
	assert.Error(t, ValidateHTTPRequestSize(req, 32))
}
