package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/basket/leash/internal/session"
)

// tokenContextKey is the context key type for the verified session identity.
type tokenContextKey struct{}

// openPaths skip session auth: health checks and the auth endpoints
// themselves (exchange has its own secret, refresh carries the token in the
// body).
var openPaths = map[string]struct{}{
	"/healthz":                {},
	"/v1/auth/token-exchange": {},
	"/v1/auth/token-refresh":  {},
}

// SessionAuthMiddleware authenticates requests with a bearer session token,
// verified locally against the cached public key.
type SessionAuthMiddleware struct {
	sessions *session.Manager
	enabled  bool
}

// NewSessionAuthMiddleware creates the middleware.
func NewSessionAuthMiddleware(sessions *session.Manager, enabled bool) *SessionAuthMiddleware {
	return &SessionAuthMiddleware{sessions: sessions, enabled: enabled}
}

// Wrap wraps an http.Handler with session token checking.
func (am *SessionAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, open := openPaths[r.URL.Path]; open {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractBearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, session.CodeSessionTokenInvalid, "missing session token")
			return
		}
		info, err := am.sessions.VerifyLocal(r.Context(), token)
		if err != nil {
			var te *session.TokenError
			if errors.As(err, &te) {
				writeError(w, http.StatusUnauthorized, te.Code(), te.Reason)
				return
			}
			writeError(w, http.StatusUnauthorized, session.CodeSessionTokenInvalid, "token verification failed")
			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractBearerToken pulls the session token from the Authorization header.
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// TokenInfoFromContext retrieves the verified session identity, or nil.
func TokenInfoFromContext(ctx context.Context) *session.TokenInfo {
	if info, ok := ctx.Value(tokenContextKey{}).(*session.TokenInfo); ok {
		return info
	}
	return nil
}
