package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ownerKeyCtx struct{}

const (
	HeaderUserID        = "X-User-ID"
	HeaderSessionID     = "X-Session-ID"
	HeaderOperatorToken = "X-Operator-Token"
	SessionCookie       = "session_id"
)

// OwnerMiddleware resolves the buyer from the auth headers set by the edge
// proxy. Signed-in users win over anonymous sessions.
func OwnerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var owner domain.OwnerKey
		switch {
		case r.Header.Get(HeaderUserID) != "":
			owner = domain.UserOwner(r.Header.Get(HeaderUserID))
		case r.Header.Get(HeaderSessionID) != "":
			owner = domain.SessionOwner(r.Header.Get(HeaderSessionID))
		default:
			if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
				owner = domain.SessionOwner(c.Value)
			}
		}
		if owner.IsZero() {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user or session")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKeyCtx{}, owner)))
	})
}

// OperatorMiddleware admits only requests carrying the shared operator token.
// Buyer identity headers grant nothing here. An empty token rejects everyone.
func OperatorMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderOperatorToken)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondError(w, http.StatusForbidden, "forbidden", "operator access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ownerFromContext(ctx context.Context) domain.OwnerKey {
	owner, _ := ctx.Value(ownerKeyCtx{}).(domain.OwnerKey)
	return owner
}

// MetricsMiddleware counts requests per route pattern.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(r.Method+" "+route, status, time.Since(start))
		})
	}
}
