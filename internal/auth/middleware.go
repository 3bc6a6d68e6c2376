package auth

import (
	"context"
	"net/http"

	"chatrelay/internal/httputil"

	"github.com/sirupsen/logrus"
)

type contextKey struct{}

// WithEndpoint stores the authenticated endpoint id in ctx.
func WithEndpoint(ctx context.Context, endpointID string) context.Context {
	return context.WithValue(ctx, contextKey{}, endpointID)
}

// EndpointFromContext returns the endpoint a request was authenticated as.
func EndpointFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(contextKey{}).(string)
	return value, ok && value != ""
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(issuer *Issuer, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := issuer.Verify(httputil.BearerToken(r))
			if err != nil {
				httputil.WriteError(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithEndpoint(r.Context(), claims.EndpointID)))
		})
	}
}
