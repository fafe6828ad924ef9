package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedOperatorContextKey = ContextKey("authenticatedOperator")
)

// AuthenticatedOperator holds the identity extracted from the bearer token.
type AuthenticatedOperator struct {
	ID       uuid.UUID
	Username string
	IsAdmin  bool
}

// operatorClaims are the JWT claims the external identity service issues.
type operatorClaims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies the Authorization bearer JWT and puts the operator
// identity on the request context. Token issuance is the identity service's
// job; this only verifies the shared-secret signature.
func AuthMiddleware(accessSecret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &operatorClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(accessSecret), nil
			})
			if err != nil || !token.Valid {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			operatorID, err := uuid.Parse(claims.Subject)
			if err != nil {
				logger.WarnContext(r.Context(), "Token subject is not a valid operator id", "subject", claims.Subject)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			operator := AuthenticatedOperator{
				ID:       operatorID,
				Username: claims.Username,
				IsAdmin:  claims.IsAdmin,
			}

			ctx := context.WithValue(r.Context(), AuthenticatedOperatorContextKey, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnlyMiddleware rejects requests whose operator lacks the admin claim.
// AuthMiddleware must run first.
func AdminOnlyMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator, ok := OperatorFromContext(r.Context())
			if !ok {
				logger.ErrorContext(r.Context(), "AuthenticatedOperator not found in context. AuthMiddleware must run first.")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !operator.IsAdmin {
				logger.WarnContext(r.Context(), "Admin access denied", "operator_id", operator.ID)
				http.Error(w, "Forbidden: admin access required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OperatorFromContext extracts the authenticated operator set by AuthMiddleware.
func OperatorFromContext(ctx context.Context) (AuthenticatedOperator, bool) {
	operator, ok := ctx.Value(AuthenticatedOperatorContextKey).(AuthenticatedOperator)
	return operator, ok
}
