package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const requestIDKey ctxKey = 0

// requestIDMiddleware accepts a caller-provided X-Request-ID or mints a UUID,
// stores it on the context, and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestID returns the id attached by requestIDMiddleware, or "".
func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if v, ok := r.Context().Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// timingMiddleware sets X-Response-Time-Ms and emits one structured log line
// per request.
func timingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			// Headers must be set before the handler writes them out.
			trailer := func() {
				elapsed := float64(time.Since(start)) / float64(time.Millisecond)
				sr.Header().Set("X-Response-Time-Ms", fmt.Sprintf("%.2f", elapsed))
			}
			next.ServeHTTP(&headerHookWriter{statusRecorder: sr, hook: trailer}, r)

			evt := log.Info()
			if sr.status >= 500 {
				evt = log.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sr.status).
				Dur("elapsed", time.Since(start)).
				Str("request_id", requestID(r)).
				Msg("request")
		})
	}
}

// headerHookWriter runs hook once right before the first header write, so
// timing headers make it onto the wire.
type headerHookWriter struct {
	*statusRecorder
	hook  func()
	fired bool
}

func (h *headerHookWriter) WriteHeader(code int) {
	if !h.fired {
		h.fired = true
		h.hook()
	}
	h.statusRecorder.WriteHeader(code)
}

func (h *headerHookWriter) Write(p []byte) (int, error) {
	if !h.fired {
		h.fired = true
		h.hook()
	}
	return h.statusRecorder.Write(p)
}
