package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyUserID holds the authenticated caller's uuid.UUID.
	contextKeyUserID contextKey = iota
)

// Identify extracts the caller identity from the X-User-ID header and stores
// it in the request context. The fronting gateway owns authentication; by
// the time a request reaches this process the header is trusted. Requests
// without a parseable user ID are rejected with 401.
func Identify() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("X-User-ID")
			if raw == "" {
				ErrUnauthorized(w)
				return
			}
			userID, err := uuid.Parse(raw)
			if err != nil {
				ErrUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// userFromCtx returns the caller's user ID stored by Identify.
func userFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyUserID).(uuid.UUID)
	return id
}

// RequestLogger logs every request with method, path, status and latency
// through the application logger.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
