package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "https://api.estate.example/v1"

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":   m.issuer,
			"jwks_uri": m.issuer + m.jwksPath,
		})
	})
	mux.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signRSA(t *testing.T, pk *rsa.PrivateKey, kid, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"sub": "user-123",
		"aud": testAudience,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func TestDiscovery_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	cfg := DefaultConfig()
	cfg.Issuer = idp.issuer
	cfg.ExpectedAudiences = []string{testAudience}
	cfg.RequireAccessTokenType = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims(idp.issuer)
	claims["scope"] = "chat:read chat:write"
	ui, err := a.CheckAuthentication(ctx, signRSA(t, pk, kid, "at+jwt", claims))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "chat:read chat:write" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}

	if _, err := a.CheckAuthentication(ctx, signRSA(t, pk, kid, "JWT", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for wrong typ, got %v", err)
	}
}

func TestStatic_ClaimChecks(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	tests := []struct {
		name   string
		mutate func(c jwt.MapClaims)
		scopes []string
		anyOf  bool
		want   error
	}{
		{name: "valid", mutate: func(jwt.MapClaims) {}},
		{name: "audience array", mutate: func(c jwt.MapClaims) { c["aud"] = []string{"https://other", testAudience} }},
		{name: "unknown audience", mutate: func(c jwt.MapClaims) { c["aud"] = "https://unknown" }, want: ErrUnauthorized},
		{name: "issuer mismatch", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, want: ErrUnauthorized},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }, want: ErrUnauthorized},
		{name: "missing exp", mutate: func(c jwt.MapClaims) { delete(c, "exp") }, want: ErrUnauthorized},
		{name: "missing sub", mutate: func(c jwt.MapClaims) { delete(c, "sub") }, want: ErrUnauthorized},
		{
			name:   "all scopes required",
			mutate: func(c jwt.MapClaims) { c["scope"] = "chat:write" },
			scopes: []string{"chat:write", "chat:admin"},
			want:   ErrInsufficientScope,
		},
		{
			name:   "any scope suffices",
			mutate: func(c jwt.MapClaims) { c["scope"] = "chat:write" },
			scopes: []string{"chat:write", "chat:admin"},
			anyOf:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Issuer = idp.issuer
			cfg.ExpectedAudiences = []string{testAudience}
			cfg.Leeway = 0
			cfg.RequiredScopes = tt.scopes
			cfg.ScopeModeAny = tt.anyOf
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			a, err := NewStatic(ctx, cfg, idp.issuer+idp.jwksPath)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			claims := baseClaims(idp.issuer)
			tt.mutate(claims)
			_, err = a.CheckAuthentication(ctx, signRSA(t, pk, kid, "", claims))
			if tt.want == nil && err != nil {
				t.Fatalf("check: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestHMAC(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	a, err := NewHMAC(&Config{Issuer: "estated", ExpectedAudiences: []string{testAudience}}, secret)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sign := func(method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, baseClaims("estated")).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	ui, err := a.CheckAuthentication(context.Background(), sign(jwt.SigningMethodHS256, secret))
	if err != nil || ui.UserID() != "user-123" {
		t.Fatalf("check: %v", err)
	}
	if _, err := a.CheckAuthentication(context.Background(), sign(jwt.SigningMethodHS256, []byte("wrong-secret-wrong-secret-wrong!!"))); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for bad signature, got %v", err)
	}
	if _, err := a.CheckAuthentication(context.Background(), sign(jwt.SigningMethodHS512, secret)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for disallowed alg, got %v", err)
	}
	if _, err := a.CheckAuthentication(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for empty token, got %v", err)
	}

	if _, err := NewHMAC(&Config{Issuer: "estated", ExpectedAudiences: []string{testAudience}}, []byte("short")); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
}
