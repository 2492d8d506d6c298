package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const ClientIDHeader = "X-Client-ID"

// IdentityMiddleware resolves who is calling. A bearer token signed with secret wins and its
// subject becomes the client id; otherwise the X-Client-ID header is trusted as is. Requests with
// neither stay anonymous. An invalid token is rejected outright.
func IdentityMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := strings.TrimSpace(r.Header.Get(ClientIDHeader))

			if auth := r.Header.Get("Authorization"); auth != "" && len(key) > 0 {
				const prefix = "Bearer "
				if !strings.HasPrefix(auth, prefix) {
					writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "invalid authorization header"})
					return
				}
				subject, err := parseSubject(strings.TrimPrefix(auth, prefix), key)
				if err != nil {
					writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "invalid or expired token"})
					return
				}
				clientID = subject
			}

			if clientID == "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
		})
	}
}

func parseSubject(raw string, key []byte) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub, nil
	}
	if id, ok := claims["client_id"].(string); ok && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("token has no subject")
}
