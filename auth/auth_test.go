package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestHMACAuthenticator(t *testing.T) {
	a, err := NewHMAC("estated", "estate-api", testSecret, WithRequiredScopes("chat"))
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}
	claims := jwt.MapClaims{
		"iss":   "estated",
		"aud":   "estate-api",
		"sub":   "alice",
		"scope": "chat notifications",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	ui, err := a.CheckAuthentication(context.Background(), mint(t, claims))
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.UserID() != "alice" {
		t.Fatalf("UserID() = %q", ui.UserID())
	}

	claims["scope"] = "notifications"
	if _, err := a.CheckAuthentication(context.Background(), mint(t, claims)); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}
	claims["aud"] = "someone-else"
	if _, err := a.CheckAuthentication(context.Background(), mint(t, claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
		err    bool
	}{
		{name: "header", header: "Bearer abc", want: "abc"},
		{name: "case insensitive scheme", header: "bearer abc", want: "abc"},
		{name: "query fallback", query: "access_token=xyz", want: "xyz"},
		{name: "header wins over query", header: "Bearer abc", query: "access_token=xyz", want: "abc"},
		{name: "missing", err: true},
		{name: "basic scheme", header: "Basic Zm9vOmJhcg==", err: true},
		{name: "empty token", header: "Bearer  ", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/ws?"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(r)
			if tt.err {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("want ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("BearerToken() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestChallenge(t *testing.T) {
	status, hdr := Challenge("estate", errors.Join(ErrInsufficientScope, errors.New("x")))
	if status != http.StatusForbidden || !strings.Contains(hdr, "insufficient_scope") {
		t.Fatalf("scope challenge = %d %q", status, hdr)
	}
	status, hdr = Challenge("estate", ErrUnauthorized)
	if status != http.StatusUnauthorized || !strings.Contains(hdr, "invalid_token") {
		t.Fatalf("token challenge = %d %q", status, hdr)
	}
}
