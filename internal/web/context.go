package web

import (
	"net"
	"net/http"

	"github.com/JonMunkholm/tablesnap/internal/core"
)

// requestMetadata records the caller so snapshot, restore and repair audit
// entries show where they came from.
func requestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := core.WithCaller(r.Context(), core.Caller{IP: clientIP(r), UserAgent: r.UserAgent()})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
