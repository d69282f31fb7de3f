package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"idplane.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/mfa/complete",
	"/v1/auth/refresh",
	"/v1/auth/verify-email",
	"/v1/auth/resend-verification",
	"/v1/auth/forgot-password",
	"/v1/auth/reset-password",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

type principalKey struct{}

func withPrincipal(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, principalKey{}, claims)
}

// PrincipalFromContext returns the verified access-token claims for the
// request, set by the authn middleware.
func PrincipalFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(principalKey{}).(*token.Claims)
	return claims, ok
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.identity == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.identity.VerifyAccess(r.Context(), raw)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), claims)))
	})
}

// requirePrincipal fetches the caller's claims, replying 401 when absent.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (*token.Claims, bool) {
	claims, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return claims, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
