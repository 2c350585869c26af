// Package auth authenticates the two WebSocket roles: backend agents present
// a callback token minted at provisioning time, and browsers may be required
// to present a JWT issued by an external identity provider.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the browser token claims.
type Claims struct {
	jwt.RegisteredClaims
	// Session optionally pins the token to one session id.
	Session string `json:"session,omitempty"`
}

// JWTValidator validates browser JWTs against keys fetched from a JWKS
// endpoint.
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWTValidator creates a validator that fetches and caches the JWKS at
// jwksURL.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return newValidator(k.Keyfunc, issuer, audience), nil
}

func newValidator(kf jwt.Keyfunc, issuer, audience string) *JWTValidator {
	return &JWTValidator{keyfunc: kf, issuer: issuer, audience: audience}
}

// Validate parses tokenString and checks issuer, audience and the optional
// session pin against sessionID.
func (v *JWTValidator) Validate(tokenString, sessionID string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if claims.Session != "" && claims.Session != sessionID {
		return nil, fmt.Errorf("session mismatch: token is for %s", claims.Session)
	}
	return claims, nil
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the "token" query parameter used by browser WebSocket
// clients that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	return slices.Contains(aud, want)
}
