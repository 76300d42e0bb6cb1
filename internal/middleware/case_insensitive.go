package middleware

import (
	"net/http"
	"strings"
)

// CaseInsensitiveMiddleware lowercases the URL path so links printed in QR
// codes still resolve when a scanner uppercases them. Query values such as
// the session PIN are left untouched.
func CaseInsensitiveMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ToLower(r.URL.Path)
		r.URL.RawPath = ""
		next.ServeHTTP(w, r)
	})
}
