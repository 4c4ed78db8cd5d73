package metrics

import (
	"log/slog"
	"net/http"
	"time"
)

// statusWriter remembers the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// logScrapes logs every request to the listener. Scrapes and health checks
// are routine, so only failures are logged above debug.
func logScrapes(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		level := slog.LevelDebug
		if sw.status >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "scrape",
			"remote", r.RemoteAddr,
			"path", r.URL.Path,
			"status", sw.status,
			"took", time.Since(start),
		)
	})
}

// NewMux serves the metrics handler on /metrics and a liveness probe on
// /healthz.
func NewMux(logger *slog.Logger, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return logScrapes(logger, mux)
}
