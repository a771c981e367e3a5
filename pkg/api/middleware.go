package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// loggingMiddleware logs HTTP requests and responses
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		rw.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		next.ServeHTTP(rw, r)

		s.logger.Info("HTTP Request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rw.statusCode),
			logging.Float("duration_ms", time.Since(start).Seconds()*1000),
			logging.RequestID(requestID))
	})
}

// errorRecoveryMiddleware recovers from panics and logs errors
func (s *Server) errorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					fmt.Errorf("panic: %v", err),
					logging.String("method", r.Method),
					logging.String("path", r.URL.Path))
				writeInternalServerErrorResponse(w, "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// versionMiddleware adds the API version header to responses
func (s *Server) versionMiddleware(version string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-API-Version", version)
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware bounds the request context. Handlers map an expired
// context to 504.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	if s.timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
