package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cuemby/hvorchestrator/pkg/auth"
	"github.com/cuemby/hvorchestrator/pkg/metrics"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	identityKey      contextKey = "identity"
)

// CorrelationMiddleware stamps every request and response with an
// X-Correlation-ID, generating one if the client didn't supply it, so
// API-layer logs can be tied back to a request the way job logs are
// tied back to a correlation_id (spec §3 JobRequest envelope).
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get("X-Correlation-ID")
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", cid)
		ctx := context.WithValue(r.Context(), correlationIDKey, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MetricsMiddleware records request counts and latency to
// APIRequestsTotal/APIRequestDuration, labeled by method and (for
// counts) the resulting status code.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}

// CorrelationID reads the per-request correlation ID stamped by
// CorrelationMiddleware.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// Identity reads the authenticated identity set by RequirePermission,
// if any.
func Identity(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// authenticator is the subset of the auth core the HTTP layer depends
// on, satisfied by *auth.Validator and *auth.SessionStore together.
type authenticator struct {
	validator *auth.Validator
	sessions  *auth.SessionStore
}

func (a *authenticator) identify(r *http.Request) (auth.Identity, error) {
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		token, ok := strings.CutPrefix(hdr, "Bearer ")
		if !ok {
			return auth.Identity{}, auth.ErrTokenInvalid
		}
		id, err := a.validator.ValidateToken(token)
		if err != nil {
			return auth.Identity{}, err
		}
		return *id, nil
	}

	if cookie, err := r.Cookie("hv_session"); err == nil {
		id, err := a.sessions.Validate(cookie.Value)
		if err != nil {
			return auth.Identity{}, err
		}
		return *id, nil
	}

	return auth.Identity{}, auth.ErrTokenInvalid
}

// RequirePermission builds middleware enforcing that the caller's
// resolved permission satisfies required (spec §4.8's admin ⊇ writer ⊇
// reader hierarchy): missing credentials are 401, insufficient
// permission is 403.
func (a *authenticator) RequirePermission(required auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.identify(r)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !id.Permission.Satisfies(required) {
				writeError(w, r, http.StatusForbidden, "insufficient permission")
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
