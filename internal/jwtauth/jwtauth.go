// Package jwtauth verifies bearer JWTs. Keys come from OIDC discovery, a
// static JWKS URL, or a shared HMAC secret; every source goes through the
// same claim checks.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the request is unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates a valid token that lacks required scopes.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences lists accepted "aud" values; a token must carry at
	// least one of them.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return nil
}

// UserInfo carries the subject and raw claims of a validated token.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates access tokens.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// verifier applies the claim checks shared by every key source.
type verifier struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

func (v *verifier) restrictAlgs(kf jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(v.cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}
}

func (v *verifier) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithIssuedAt(),
	)
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnauthorized}, args...)...)
}

func (v *verifier) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, unauthorized("empty token")
	}
	claims := jwt.MapClaims{}
	parsed, err := v.parser().ParseWithClaims(tok, claims, v.keyfunc)
	if err != nil {
		return nil, unauthorized("%v", err)
	}
	if v.cfg.RequireAccessTokenType && !isAccessTokenType(parsed.Header["typ"]) {
		return nil, unauthorized("typ must be at+jwt")
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.ExpectedAudiences, a) }) {
		return nil, unauthorized("audience mismatch")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, unauthorized("missing sub")
	}
	scope, _ := claims["scope"].(string)
	if !v.hasScopes(strings.Fields(scope)) {
		return nil, ErrInsufficientScope
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func isAccessTokenType(typ any) bool {
	s, _ := typ.(string)
	return strings.EqualFold(s, "at+jwt") || strings.EqualFold(s, "application/at+jwt")
}

// hasScopes reports whether granted covers RequiredScopes under the
// configured mode.
func (v *verifier) hasScopes(granted []string) bool {
	required := v.cfg.RequiredScopes
	if len(required) == 0 {
		return true
	}
	held := func(s string) bool { return slices.Contains(granted, s) }
	if v.cfg.ScopeModeAny {
		return slices.ContainsFunc(required, held)
	}
	for _, s := range required {
		if !held(s) {
			return false
		}
	}
	return true
}

var _ Authenticator = (*verifier)(nil)
