package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// statusRecorder keeps the status code and byte count of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Logging logs one line per request. Probe endpoints log at debug; 4xx at
// warn and 5xx at error.
func Logging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			level := zapcore.InfoLevel
			switch {
			case rec.status >= 500:
				level = zapcore.ErrorLevel
			case rec.status >= 400:
				level = zapcore.WarnLevel
			case openPath(r.URL.Path):
				level = zapcore.DebugLevel
			}
			ce := log.Check(level, "http request")
			if ce == nil {
				return
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			ce.Write(
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.String("project", chi.URLParam(r, "project")),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.Int64("bytes", rec.bytes),
				zap.String("ip", r.RemoteAddr),
			)
		})
	}
}
