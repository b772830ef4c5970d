package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is unexported so no other package can collide with our keys.
type contextKey string

const clientIDKey contextKey = "clientID"

// TokenCookie is checked when no Authorization header is present, so a
// browser session can use the API too.
const TokenCookie = "token"

// RequireAuth rejects requests without a valid token with 401 and stores the
// client id in the request context otherwise.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, err := extractClientID(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="code-runner"`)
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
		})
	}
}

// WithClientID returns a copy of ctx carrying clientID.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext returns the authenticated client, if any.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey).(string)
	return id, ok && id != ""
}

func extractClientID(r *http.Request, tokens *TokenService) (string, error) {
	if token, ok := bearerToken(r); ok {
		return tokens.Validate(token)
	}

	cookie, err := r.Cookie(TokenCookie)
	if err != nil {
		return "", err
	}
	return tokens.Validate(cookie.Value)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
