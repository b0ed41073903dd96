package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// quietPaths are polled by probes and scrapers; they log at debug.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Logger returns a request logging middleware using zerolog. Server errors
// log at error level; feed upgrades log when the socket closes.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				var ev *zerolog.Event
				switch {
				case status >= 500:
					ev = logger.Error()
				case quietPaths[r.URL.Path]:
					ev = logger.Debug()
				default:
					ev = logger.Info()
				}

				ev = ev.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr)
				if user := r.Header.Get(HeaderUser); user != "" {
					ev = ev.Str("user_id", user)
				}
				if r.Header.Get("Upgrade") != "" {
					ev = ev.Bool("upgrade", true)
				}
				ev.Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
