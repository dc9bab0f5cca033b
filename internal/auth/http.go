// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Accepts Authorization bearer headers or a token query parameter

package auth

import (
	"net/http"
	"strings"
)

// extractToken pulls a token from the Authorization header or, failing that,
// the "token" query parameter. Browser websocket clients cannot set custom
// headers, so the query form is accepted on the connection endpoint too.
// Returns the token and an error message (empty if successful).
func extractToken(r *http.Request) (string, string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing credentials"
}

// Middleware creates an HTTP middleware that extracts and validates tokens,
// attaching the authenticated identity to the request context via WithAuth.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithAuth(r.Context(), &AuthContext{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
