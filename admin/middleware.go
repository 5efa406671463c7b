package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the admin secret as an alternative to a bearer token
const SecretHeader = "X-Pushwatch-Secret"

// AuthMiddleware validates the shared secret. An empty secret disables
// authentication.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get(SecretHeader)
			if provided == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
					return
				}
				// Parse "Bearer <token>"
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
					return
				}
				provided = parts[1]
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
