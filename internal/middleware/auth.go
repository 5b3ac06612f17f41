package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type key string

const (
	contextActorIDKey  key = "actor_id"
	contextTenantIDKey key = "tenant_id"
)

func ActorIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextActorIDKey).(string)
	return v, ok
}

func TenantIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextTenantIDKey).(string)
	return v, ok
}

// WithIdentity stores the caller identity the way AuthMiddleware does. Tests
// use it to bypass token parsing.
func WithIdentity(ctx context.Context, actorID, tenantID string) context.Context {
	ctx = context.WithValue(ctx, contextActorIDKey, actorID)
	return context.WithValue(ctx, contextTenantIDKey, tenantID)
}

// ParseToken validates an HS256 token and returns its subject and tenant.
func ParseToken(secret, tokenStr string) (actorID, tenantID string, err error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", jwt.ErrTokenInvalidClaims
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", jwt.ErrTokenMalformed
	}
	actorID, ok = claims["sub"].(string)
	if !ok || actorID == "" {
		return "", "", jwt.ErrTokenMalformed
	}
	tenantID, ok = claims["tenant_id"].(string)
	if !ok || tenantID == "" {
		return "", "", jwt.ErrTokenMalformed
	}
	return actorID, tenantID, nil
}

// AuthMiddleware requires a bearer token carrying the staff member id (sub)
// and the tenant they act for (tenant_id).
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "missing or malformed token", http.StatusUnauthorized)
				return
			}

			actorID, tenantID, err := ParseToken(secret, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), actorID, tenantID)))
		})
	}
}
