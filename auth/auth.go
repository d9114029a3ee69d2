package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNoCredentials is returned by BearerToken when the request carries no
// token at all. It wraps ErrUnauthorized.
var ErrNoCredentials = fmt.Errorf("%w: missing credentials", ErrUnauthorized)

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user. Every chat and
	// notification operation runs as this actor.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// Browsers cannot set headers on websocket upgrades, so an access_token
// query parameter is accepted as a fallback.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok, nil
		}
		return "", ErrNoCredentials
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", fmt.Errorf("%w: malformed Authorization header", ErrUnauthorized)
	}
	return strings.TrimSpace(tok), nil
}

// Challenge returns the status code and WWW-Authenticate value to send for
// an authentication error.
func Challenge(realm string, err error) (int, string) {
	switch {
	case errors.Is(err, ErrInsufficientScope):
		return http.StatusForbidden, fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, realm)
	case errors.Is(err, ErrNoCredentials):
		return http.StatusUnauthorized, fmt.Sprintf(`Bearer realm=%q`, realm)
	default:
		return http.StatusUnauthorized, fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm)
	}
}
