// Package auth turns bearer tokens into the actor identity every chat and
// notification operation runs as.
//
// An Authenticator validates a token string and returns a UserInfo whose
// UserID is the token's "sub" claim. Three constructors cover the usual
// deployments:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://api.estate.example",
//	    auth.WithRequiredScopes("chat"),
//	)
//
// NewFromJWKS skips discovery and reads keys from a fixed JWKS URL.
// NewHMAC accepts HS256 tokens signed with a shared secret.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s). Challenge maps either to an HTTP status and a
// WWW-Authenticate header.
package auth
