package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pump-control/pcc/internal/config"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the identity a verified token carries.
type Claims struct {
	Subject   string    `json:"sub"`
	Roles     []string  `json:"roles"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"exp"`
}

// Allows reports whether the token grants scope.
func (c *Claims) Allows(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// tokenClaims is the JWT body issued and accepted by pcc.
type tokenClaims struct {
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier verifies a bearer token.
type TokenVerifier interface {
	VerifyToken(token string) (*Claims, error)
}

// Verifier checks HS256 or RS256 tokens against the configured key. Tokens
// must carry an expiry, a subject and at least one known role.
type Verifier struct {
	key    interface{}
	parser *jwt.Parser
}

// NewVerifier builds a verifier from the auth configuration. RS256 reads the
// PEM public key file.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	var key interface{}
	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, errors.New("HS256 requires a secret")
		}
		key = []byte(cfg.Secret)
	case "RS256":
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		key = pub
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	return &Verifier{key: key, parser: jwt.NewParser(opts...)}, nil
}

// VerifyToken parses token and resolves the scopes it grants.
func (v *Verifier) VerifyToken(token string) (*Claims, error) {
	var tc tokenClaims
	_, err := v.parser.ParseWithClaims(token, &tc, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	scopes, err := grant(tc.Roles, tc.Scopes)
	if err != nil {
		return nil, err
	}
	return &Claims{
		Subject:   tc.Subject,
		Roles:     tc.Roles,
		Scopes:    scopes,
		ExpiresAt: tc.ExpiresAt.Time,
	}, nil
}
