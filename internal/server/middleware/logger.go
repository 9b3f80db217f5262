package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request as it arrives and again once handled.
// The completion line is debug-level: for /ws it fires when the session ends,
// so its elapsed time is the connection lifetime, not handler latency.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}

			start := time.Now()
			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
			)

			next.ServeHTTP(w, r)

			logger.Debug("Request handled",
				slog.String("path", r.URL.Path),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
