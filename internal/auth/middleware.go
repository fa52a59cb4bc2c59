package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type claimsContextKey struct{}

type AccessVerifier interface {
	VerifyAccess(token string) (*AccessClaims, error)
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*AccessClaims)
	return claims, ok && claims != nil
}

func WithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// Middleware requires a valid access token and stores its claims in the
// request context.
func Middleware(verifier AccessVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := authenticate(w, r, verifier)
		if !ok {
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequirePermission is Middleware plus an RBAC check on (action, resource).
func RequirePermission(verifier AccessVerifier, action Action, resource Resource, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := authenticate(w, r, verifier)
		if !ok {
			return
		}
		if Authorize(claims.Role, action, resource) != Allow {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func authenticate(w http.ResponseWriter, r *http.Request, verifier AccessVerifier) (*AccessClaims, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return nil, false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		writeError(w, http.StatusUnauthorized, "invalid authorization format")
		return nil, false
	}

	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		writeError(w, http.StatusUnauthorized, "invalid authorization token")
		return nil, false
	}

	claims, err := verifier.VerifyAccess(tokenStr)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "token has expired")
			return nil, false
		}
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}

	return claims, true
}
