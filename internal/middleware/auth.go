// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityIDKey is the context key for the caller's identity id.
	IdentityIDKey ContextKey = "identity_id"
	// AnonymousKey is the context key for the anonymous flag.
	AnonymousKey ContextKey = "anonymous"
)

// Claims represents JWT claims. Subject carries the identity id.
type Claims struct {
	jwt.RegisteredClaims
	Anonymous bool `json:"anon,omitempty"`
}

// Auth creates JWT bearer authentication middleware. The identity id and
// anonymous flag from the token are placed on the request context.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeUnauthorized(w, "invalid authorization header format")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})

			if err != nil || !token.Valid {
				writeUnauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityIDKey, claims.Subject)
			ctx = context.WithValue(ctx, AnonymousKey, claims.Anonymous)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetIdentityID gets the identity id from context.
func GetIdentityID(ctx context.Context) string {
	if v := ctx.Value(IdentityIDKey); v != nil {
		return v.(string)
	}
	return ""
}

// IsAnonymous reports whether the request identity is anonymous.
func IsAnonymous(ctx context.Context) bool {
	if v := ctx.Value(AnonymousKey); v != nil {
		return v.(bool)
	}
	return false
}
