package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/medibridge/authcore"
)

// AccessVerifier is the part of the engine the guard needs.
type AccessVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*authcore.AccessClaims, error)
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by RequireAccess.
func ClaimsFromContext(ctx context.Context) (*authcore.AccessClaims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*authcore.AccessClaims)
	return c, ok
}

// RequireAccess rejects requests without a usable access token. The client
// IP and user agent are attached to the context so engine audit events
// carry them.
func RequireAccess(verifier AccessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				WriteError(w, authcore.ErrConfiguration)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				WriteError(w, authcore.ErrInvalidToken)
				return
			}

			ctx := authcore.WithClientIP(r.Context(), clientIP(r))
			ctx = authcore.WithUserAgent(ctx, r.UserAgent())

			claims, err := verifier.VerifyAccessToken(ctx, token)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx = context.WithValue(ctx, claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole allows only the listed roles.
func RequireRole(roles ...authcore.Role) func(http.Handler) http.Handler {
	allowed := slices.Clone(roles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				WriteError(w, authcore.ErrInvalidToken)
				return
			}
			if !slices.Contains(allowed, claims.Role) {
				writeJSON(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StatusFor maps an engine error kind to an HTTP status code.
func StatusFor(kind authcore.ErrorKind) int {
	switch kind {
	case authcore.KindInvalidCredentials,
		authcore.KindInvalidToken,
		authcore.KindTokenExpired,
		authcore.KindSessionInvalid,
		authcore.KindUserInactive:
		return http.StatusUnauthorized
	case authcore.KindAccountInactive:
		return http.StatusForbidden
	case authcore.KindAccountLocked:
		return http.StatusLocked
	case authcore.KindInvalidResetToken,
		authcore.KindPasswordPolicy:
		return http.StatusBadRequest
	case authcore.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case authcore.KindConfiguration,
		authcore.KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes a JSON body {"error": "<kind>"} with the mapped status.
// Expired access tokens also get a WWW-Authenticate hint.
func WriteError(w http.ResponseWriter, err error) {
	kind := authcore.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusUnauthorized {
		challenge := `Bearer`
		if kind == authcore.KindTokenExpired {
			challenge = `Bearer error="invalid_token", error_description="token expired"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}
	writeJSON(w, status, kind.String())
}

func writeJSON(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
