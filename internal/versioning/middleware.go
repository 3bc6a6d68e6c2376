package versioning

import (
	"context"
	"net/http"
	"strings"

	"chatrelay/internal/errors"
	"chatrelay/internal/httputil"
	"chatrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

type contextKey string

const versionContextKey contextKey = "protocol_version"

const (
	// AcceptVersionHeader carries the client's requested protocol version.
	AcceptVersionHeader = "Accept-Version"

	CurrentVersionHeader    = "X-Current-Version"
	SupportedVersionsHeader = "X-Supported-Versions"
	CapabilitiesHeader      = "X-Relay-Capabilities"
)

const (
	ErrCodeVersionIncompatible errors.ErrorCode = "VERSION_INCOMPATIBLE"
	ErrCodeCapabilityMissing   errors.ErrorCode = "CAPABILITY_NOT_AVAILABLE"
)

// Negotiate resolves the requested protocol version, advertises the
// server's range and rejects versions it cannot speak. Requests without
// an Accept-Version header are served at the version named in the path
// prefix, or the current version.
func Negotiate(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requested := requestedVersion(r, logger)
			compat := CheckCompatibility(requested)

			w.Header().Set(CurrentVersionHeader, CurrentVersion.String())
			w.Header().Set(SupportedVersionsHeader, VersionRange())

			if !compat.Compatible {
				status := http.StatusNotImplemented
				if compat.TooOld {
					status = http.StatusUpgradeRequired
				}
				logger.WithFields(logrus.Fields{
					"requested_version": requested.String(),
					"path":              r.URL.Path,
					"remote_ip":         httputil.GetClientIP(r),
				}).Warn("Incompatible protocol version requested")
				writeVersionError(w, r, status, ErrCodeVersionIncompatible, compat.Reason, compat)
				return
			}

			w.Header().Set(CapabilitiesHeader, strings.Join(compat.Capabilities, ","))
			ctx := context.WithValue(r.Context(), versionContextKey, requested)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestedVersion(r *http.Request, logger *logrus.Logger) ProtocolVersion {
	if s := r.Header.Get(AcceptVersionHeader); s != "" {
		if v, err := ParseVersion(s); err == nil {
			return v
		}
		logger.WithField("version_string", s).Debug("Ignoring unparseable Accept-Version header")
	}

	if v, ok := versionFromPath(r.URL.Path); ok {
		return v
	}
	return CurrentVersion
}

// versionFromPath reads a leading "/v1" style segment.
func versionFromPath(path string) (ProtocolVersion, bool) {
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !strings.HasPrefix(first, "v") || len(first) < 2 {
		return ProtocolVersion{}, false
	}
	v, err := ParseVersion(first)
	if err != nil {
		return ProtocolVersion{}, false
	}
	// A bare "/v1" names the major line, not 1.0.0.
	if !strings.Contains(first, ".") && v.Major == CurrentVersion.Major {
		return CurrentVersion, true
	}
	return v, true
}

// FromContext returns the negotiated version, if Negotiate ran.
func FromContext(ctx context.Context) (ProtocolVersion, bool) {
	v, ok := ctx.Value(versionContextKey).(ProtocolVersion)
	return v, ok
}

// RequireCapability rejects requests negotiated below the version that
// introduced the named capability.
func RequireCapability(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capability, known := GetCapability(name)
			v, ok := FromContext(r.Context())
			if !ok {
				v = CurrentVersion
			}
			if !known || !v.Supports(capability.IntroducedIn) {
				writeVersionError(w, r, http.StatusNotImplemented, ErrCodeCapabilityMissing,
					"capability not available in this protocol version", map[string]string{
						"capability": name,
						"version":    v.String(),
					})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeVersionError(w http.ResponseWriter, r *http.Request, status int, code errors.ErrorCode, message string, details any) {
	var body errors.HTTPErrorResponse
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Context = details
	body.RequestID = tracing.GetRequestID(r.Context())
	httputil.WriteJSON(w, status, body)
}
