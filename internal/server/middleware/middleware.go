// Package middleware holds the HTTP middleware chain of the coordinator.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/starship/internal/errors"
)

// ErrorResponse is the envelope written by the middleware on failure.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID assigns each request an id, reusing an inbound X-Request-Id
// header when present, and echoes it back in the response.
func RequestID(next http.Handler) http.Handler {
	return chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			w.Header().Set(chimw.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	}))
}

// Recovery converts panics into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			zap.L().Error("Recovered from handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))

			writeErrorResponse(w, r, apperrors.ErrorBody{
				Code:    apperrors.CodeInternal,
				Message: fmt.Sprintf("panic: %v", rec),
			}, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request with its status and latency.
// Successful requests are logged at debug level since workers poll often.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			}
			switch {
			case ww.Status() >= 500:
				logger.Error("HTTP request", fields...)
			case ww.Status() >= 400:
				logger.Warn("HTTP request", fields...)
			default:
				logger.Debug("HTTP request", fields...)
			}
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, body apperrors.ErrorBody, status int) {
	apperrors.WriteError(w, r, status, body)
}
