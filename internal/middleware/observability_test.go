package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatrelay/internal/metrics"
	"chatrelay/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(logger *logrus.Logger, handler http.HandlerFunc) *mux.Router {
	router := mux.NewRouter()
	router.Use(ObservabilityMiddleware(logger))
	router.HandleFunc("/v1/calls/{callId}/signals", handler).Methods(http.MethodGet)
	return router
}

func TestObservabilityMiddleware(t *testing.T) {
	var logBuffer bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logBuffer)
	logger.SetFormatter(&logrus.JSONFormatter{})

	var seenRequestID string
	router := newTestRouter(logger, func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = tracing.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	labels := map[string]string{"method": http.MethodGet, "route": "/v1/calls/{callId}/signals"}
	before := metrics.GetRegistry().CounterValue("http_requests_total", labels)

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/call-42/signals", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, seenRequestID)
	assert.Equal(t, seenRequestID, w.Header().Get(RequestIDHeader))
	assert.Equal(t, before+1, metrics.GetRegistry().CounterValue("http_requests_total", labels))

	logs := logBuffer.String()
	assert.Contains(t, logs, "HTTP request completed")
	assert.Contains(t, logs, `"route":"/v1/calls/{callId}/signals"`)
	assert.NotContains(t, logs, "call-42")
}

func TestObservabilityMiddleware_KeepsClientRequestID(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	var seen string
	router := newTestRouter(logger, func(w http.ResponseWriter, r *http.Request) {
		seen = tracing.GetRequestID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/c1/signals", nil)
	req.Header.Set(RequestIDHeader, "req_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req_client", seen)
	assert.Equal(t, "req_client", w.Header().Get(RequestIDHeader))
}

func TestObservabilityMiddleware_LogLevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, `"level":"info"`},
		{http.StatusForbidden, `"level":"warning"`},
		{http.StatusInternalServerError, `"level":"error"`},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			logger := logrus.New()
			logger.SetOutput(&buf)
			logger.SetFormatter(&logrus.JSONFormatter{})

			router := newTestRouter(logger, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/calls/c1/signals", nil))

			assert.Contains(t, buf.String(), tt.level)
		})
	}
}

func TestResponseWrapper_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWrapper{ResponseWriter: rec, statusCode: http.StatusOK}

	_, _ = rw.Write([]byte("body"))
	rw.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, rw.statusCode)
	assert.Equal(t, int64(4), rw.responseSize)
}

func TestResponseWrapper_HijackUnsupported(t *testing.T) {
	rw := &responseWrapper{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	assert.Error(t, err)
}
