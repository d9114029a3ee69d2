package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/estate-realtime/internal/jwtauth"
)

// TokenOption tunes how access tokens are validated.
type TokenOption func(*jwtauth.Config)

// WithRequiredScopes requires every scope in the token's "scope" claim.
func WithRequiredScopes(scopes ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of scopes.
func WithAnyRequiredScope(scopes ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

func WithAllowedAlgs(algs ...string) TokenOption {
	return func(c *jwtauth.Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway tolerates clock skew on exp, nbf and iat.
func WithLeeway(d time.Duration) TokenOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAccessTokenType requires the "at+jwt" typ header.
func WithAccessTokenType() TokenOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = true }
}

// NewFromDiscovery trusts the keys published by issuer's OpenID Connect
// discovery document.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...TokenOption) (Authenticator, error) {
	return build(issuer, audience, opts, func(cfg *jwtauth.Config) (jwtauth.Authenticator, error) {
		return jwtauth.NewFromDiscovery(ctx, cfg)
	})
}

// NewFromJWKS trusts the keys served at jwksURL.
func NewFromJWKS(ctx context.Context, issuer, audience, jwksURL string, opts ...TokenOption) (Authenticator, error) {
	return build(issuer, audience, opts, func(cfg *jwtauth.Config) (jwtauth.Authenticator, error) {
		return jwtauth.NewStatic(ctx, cfg, jwksURL)
	})
}

// NewHMAC accepts HS256 tokens signed with secret, for local development
// and for internal services sharing the key.
func NewHMAC(issuer, audience string, secret []byte, opts ...TokenOption) (Authenticator, error) {
	opts = append([]TokenOption{WithAllowedAlgs("HS256")}, opts...)
	return build(issuer, audience, opts, func(cfg *jwtauth.Config) (jwtauth.Authenticator, error) {
		return jwtauth.NewHMAC(cfg, secret)
	})
}

func build(issuer, audience string, opts []TokenOption, mk func(*jwtauth.Config) (jwtauth.Authenticator, error)) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	a, err := mk(cfg)
	if err != nil {
		return nil, err
	}
	return tokenAuthenticator{a}, nil
}

// tokenAuthenticator translates jwtauth failures into this package's
// sentinels.
type tokenAuthenticator struct {
	jwtauth.Authenticator
}

func (t tokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := t.Authenticator.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return ui, nil
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		return nil, errors.Join(ErrInsufficientScope, err)
	default:
		return nil, errors.Join(ErrUnauthorized, err)
	}
}
