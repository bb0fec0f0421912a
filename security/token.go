// Package security issues and validates the bearer tokens the jobmon API
// runs on. Tokens are HMAC-signed JWTs carrying the caller's username and an
// admin flag; workers and distributors authenticate with service tokens
// minted the same way.
package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const tokenIssuer = "jobmon"

// Identity is the authenticated caller extracted from a token.
type Identity struct {
	Username string
	Admin    bool
}

type TokenService struct {
	secret     []byte
	expiration time.Duration
}

func NewTokenService(secret string, expiration time.Duration) *TokenService {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
	}
}

// IssueToken mints a signed token for the given user.
func (t *TokenService) IssueToken(username string, admin bool) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username must not be empty")
	}
	now := time.Now()

	token, err := jwt.NewBuilder().
		Issuer(tokenIssuer).
		Subject(username).
		IssuedAt(now).
		Expiration(now.Add(t.expiration)).
		Claim("admin", admin).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, t.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken parses and verifies a token and returns the caller identity.
// Expired or tampered tokens are rejected by the parser.
func (t *TokenService) ValidateToken(raw string) (*Identity, error) {
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, t.secret),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	identity := &Identity{Username: token.Subject()}
	if admin, ok := token.Get("admin"); ok {
		if flag, ok := admin.(bool); ok {
			identity.Admin = flag
		}
	}
	return identity, nil
}

// Secret exposes the signing key for middleware that verifies tokens itself.
func (t *TokenService) Secret() []byte {
	return t.secret
}
