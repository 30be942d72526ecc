package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pump-control/pcc/internal/config"
)

// Issuer signs HS256 tokens with the shared secret. It backs the
// "pcc token" command used to provision API clients.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer for the HS256 configuration.
func NewIssuer(cfg config.AuthConfig) (*Issuer, error) {
	if cfg.Algorithm != "HS256" {
		return nil, fmt.Errorf("token issuing needs HS256, configured %s", cfg.Algorithm)
	}
	if cfg.Secret == "" {
		return nil, errors.New("auth.secret is not set")
	}
	return &Issuer{secret: []byte(cfg.Secret), issuer: cfg.Issuer, now: time.Now}, nil
}

// Issue returns a signed token for subject acting as role. Listing scopes
// narrows the token below what role grants.
func (i *Issuer) Issue(subject, role string, ttl time.Duration, scopes ...string) (string, error) {
	if subject == "" {
		return "", errors.New("subject cannot be empty")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	if _, err := grant([]string{role}, scopes); err != nil {
		return "", err
	}

	now := i.now()
	claims := tokenClaims{
		Roles:  []string{role},
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
