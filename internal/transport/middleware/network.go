package middleware

import (
	"net"
	"net/http"

	errors "github.com/frahmantamala/mobile-money/internal"
)

// Network stores the caller's address and user agent on the request context so
// transaction log entries written while serving it can carry them. Forwarded
// headers are honoured only when chi's RealIP runs first and rewrites
// RemoteAddr.
func Network(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := errors.NetworkMetadata{
			ClientIP:  clientIP(r),
			UserAgent: r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(errors.ContextWithNetwork(r.Context(), meta)))
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
