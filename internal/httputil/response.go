package httputil

import (
	"encoding/json"
	"net/http"

	"chatrelay/internal/errors"
	"chatrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to its HTTP status and a sanitized body.
func WriteError(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error) {
	status := errors.HTTPStatusCode(err)
	requestID := tracing.GetRequestID(r.Context())

	entry := errors.WrapLogger(logger).WithError(err).WithFields(logrus.Fields{
		"request_id": requestID,
		"path":       r.URL.Path,
		"status":     status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	WriteJSON(w, status, errors.ToHTTPResponse(err, requestID))
}
