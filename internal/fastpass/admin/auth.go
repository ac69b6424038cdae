package admin

import (
	"net/http"
	"strings"
)

// AuthMiddleware requires a Bearer token carrying at least minRole,
// rejecting the request with 401/403 otherwise.
func AuthMiddleware(tokens *TokenManager, minRole Role) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearerToken(r)
			if tokenString == "" {
				http.Error(w, "Missing authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.VerifyToken(tokenString)
			if err != nil {
				switch err {
				case ErrExpiredToken:
					http.Error(w, "Token has expired", http.StatusUnauthorized)
				case ErrInvalidSignature:
					http.Error(w, "Invalid token signature", http.StatusUnauthorized)
				case ErrMissingClaims:
					http.Error(w, "Missing required claims", http.StatusUnauthorized)
				default:
					http.Error(w, "Invalid token", http.StatusUnauthorized)
				}
				return
			}

			if minRole == RoleAdmin && claims.Role != RoleAdmin {
				http.Error(w, "Insufficient privilege", http.StatusForbidden)
				return
			}

			ctx := operatorToContext(r.Context(), claims.OperatorID)
			next(w, r.WithContext(ctx))
		}
	}
}

func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
