package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/auth"
)

const maxCorrelationIDLen = 128

// withCorrelation accepts a caller-supplied correlation id or mints one and
// carries it on the response and in the request context.
func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithCorrelationID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("correlationId", w.Header().Get(CorrelationHeader)))
	})
}

// limit rejects control requests beyond the configured rate.
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			WriteAPIError(w, ErrRateLimited)
			return
		}
		next(w, r)
	}
}

func (s *Server) read(h http.HandlerFunc) http.HandlerFunc {
	return s.authMiddleware.Require(auth.ScopeRead)(h)
}

// control gates a pump action behind scope and the control rate limit.
func (s *Server) control(scope string, h http.HandlerFunc) http.HandlerFunc {
	return s.authMiddleware.Require(scope)(s.limit(h))
}

func (s *Server) stream(h http.HandlerFunc) http.HandlerFunc {
	return s.authMiddleware.Require(auth.ScopeTelemetry)(h)
}
