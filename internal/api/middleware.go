package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware guards next with the admin bearer token. Failed checks get
// 401 with a WWW-Authenticate challenge. An empty admin token disables
// authentication.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	if adminToken == "" {
		return next
	}
	want := []byte(adminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		switch {
		case scheme == "" && !ok:
			writeUnauthorized(w, "missing Authorization header")
		case !ok || !strings.EqualFold(scheme, "Bearer"):
			writeUnauthorized(w, "invalid Authorization header format")
		case subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1:
			writeUnauthorized(w, "invalid admin token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="dcmproxy"`)
	WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// RequestBodyLimitMiddleware caps request bodies at maxBytes. Handlers see
// *http.MaxBytesError once the cap is crossed.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
