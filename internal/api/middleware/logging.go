package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// quietPaths are polled by infrastructure and logged at debug level.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Logger returns a request logging middleware using zerolog.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				ev := logger.Info()
				msg := "request completed"
				switch {
				case status >= http.StatusInternalServerError:
					ev = logger.Error()
				case quietPaths[r.URL.Path]:
					ev = logger.Debug()
				case status == 0 || status == http.StatusSwitchingProtocols:
					// The gateway hijacked the connection; its own logger
					// records the session lifetime.
					msg = "connection upgraded"
					status = http.StatusSwitchingProtocols
				}
				ev.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", RealIP(r)).
					Str("user_agent", r.UserAgent()).
					Msg(msg)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
