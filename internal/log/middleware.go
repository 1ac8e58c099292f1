// SPDX-License-Identifier: MIT

package log

import (
	"net/http"
	"time"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Middleware returns an HTTP middleware that logs each request once it
// completes, with latency, status and correlation fields from the context.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			l := WithContext(r.Context(), WithComponent("http"))
			ctx := l.WithContext(r.Context())
			next.ServeHTTP(sw, r.WithContext(ctx))

			evt := l.Info()
			if sw.status >= http.StatusInternalServerError {
				evt = l.Error()
			} else if sw.status >= http.StatusBadRequest {
				evt = l.Warn()
			}
			evt.
				Str("method", r.Method).
				Str(FieldPath, r.URL.Path).
				Int("status", sw.status).
				Int64("bytes", sw.bytes).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request completed")
		})
	}
}
