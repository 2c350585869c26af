package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	callbackIssuer   = "session-broker"
	callbackAudience = "session-agent"
)

// ErrNoSecret is returned by a CallbackSigner built without a secret.
var ErrNoSecret = errors.New("callback secret not configured")

// CallbackSigner mints and verifies the token a provisioned backend uses to
// open its agent connection. The token binds the agent to one session id.
type CallbackSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCallbackSigner creates a signer. An empty secret yields a signer whose
// Enabled method reports false; agent connections are then unauthenticated.
func NewCallbackSigner(secret string, ttl time.Duration) *CallbackSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CallbackSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether agent tokens are minted and enforced.
func (s *CallbackSigner) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Mint returns a signed token for sessionID.
func (s *CallbackSigner) Mint(sessionID string) (string, error) {
	if !s.Enabled() {
		return "", ErrNoSecret
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    callbackIssuer,
		Subject:   sessionID,
		Audience:  jwt.ClaimStrings{callbackAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}
	return token, nil
}

// Verify checks that tokenString was minted by this signer for sessionID.
func (s *CallbackSigner) Verify(tokenString, sessionID string) error {
	if !s.Enabled() {
		return ErrNoSecret
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(callbackIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("failed to parse callback token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid callback token")
	}
	if !hasAudience(claims.Audience, callbackAudience) {
		return fmt.Errorf("invalid audience")
	}
	if claims.Subject != sessionID {
		return fmt.Errorf("session mismatch: token is for %s", claims.Subject)
	}
	return nil
}
