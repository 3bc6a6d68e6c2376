package versioning

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatrelay/internal/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func serve(t *testing.T, h http.Handler, path, accept string) (*httptest.ResponseRecorder, ProtocolVersion) {
	t.Helper()
	var seen ProtocolVersion
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	if h == nil {
		h = Negotiate(newTestLogger())(inner)
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if accept != "" {
		req.Header.Set(AcceptVersionHeader, accept)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		accept     string
		wantStatus int
		wantSeen   ProtocolVersion
	}{
		{"bare major path serves current", "/v1/calls/c1/signals", "", http.StatusOK, CurrentVersion},
		{"header wins over path", "/v1/calls/c1/signals", "1.0.0", http.StatusOK, V1_0_0},
		{"unparseable header falls back", "/v1/x", "latest", http.StatusOK, CurrentVersion},
		{"no version anywhere", "/health", "", http.StatusOK, CurrentVersion},
		{"future major", "/v1/x", "2.0.0", http.StatusNotImplemented, ProtocolVersion{}},
		{"too old", "/v1/x", "0.9.0", http.StatusUpgradeRequired, ProtocolVersion{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, seen := serve(t, nil, tt.path, tt.accept)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantSeen, seen)
			assert.Equal(t, CurrentVersion.String(), rec.Header().Get(CurrentVersionHeader))
			assert.Equal(t, VersionRange(), rec.Header().Get(SupportedVersionsHeader))

			if tt.wantStatus != http.StatusOK {
				var body errors.HTTPErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, ErrCodeVersionIncompatible, body.Error.Code)
			}
		})
	}
}

func TestRequireCapability(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Negotiate(newTestLogger())(RequireCapability(CapabilitySignalStream)(ok))

	rec, _ := serve(t, h, "/v1/calls/c1/signals/stream", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(CapabilitiesHeader), CapabilitySignalStream)

	rec, _ = serve(t, h, "/v1/calls/c1/signals/stream", "1.0")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	var body errors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrCodeCapabilityMissing, body.Error.Code)

	unknown := Negotiate(newTestLogger())(RequireCapability("teleport")(ok))
	rec, _ = serve(t, unknown, "/v1/x", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
