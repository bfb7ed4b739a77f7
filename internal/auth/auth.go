// Package auth issues and verifies the HS256 bearer tokens callers present to the ledger.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleService may call the per-user operations.
	RoleService = "service"
	// RoleCron may additionally trigger scheduled jobs.
	RoleCron = "cron"

	bearerPrefix = "Bearer "
)

var (
	// ErrInvalidAuthConfig reports an authenticator without a signing key or issuer.
	ErrInvalidAuthConfig = errors.New("invalid auth config")
	// ErrMissingToken reports a request without a bearer token.
	ErrMissingToken = errors.New("missing bearer token")
)

// Claims are the bearer token claims of a calling service.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries role.
func (claims *Claims) HasRole(role string) bool {
	return slices.Contains(claims.Roles, role)
}

// TokenAuthenticator issues and verifies HS256 service tokens.
type TokenAuthenticator struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

// NewTokenAuthenticator builds an authenticator over a shared signing key.
func NewTokenAuthenticator(signingKey []byte, issuer string) (*TokenAuthenticator, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidAuthConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidAuthConfig)
	}
	return &TokenAuthenticator{signingKey: signingKey, issuer: strings.TrimSpace(issuer), now: time.Now}, nil
}

// IssueToken signs a token for subject with the given roles.
func (authenticator *TokenAuthenticator) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrInvalidAuthConfig)
	}
	issuedAt := authenticator.now().UTC()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    authenticator.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authenticator.signingKey)
}

// Parse verifies a raw token and returns its claims.
func (authenticator *TokenAuthenticator) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return authenticator.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(authenticator.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(authenticator.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseAuthorization verifies an Authorization header value of the form "Bearer <token>".
func (authenticator *TokenAuthenticator) ParseAuthorization(header string) (*Claims, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, ErrMissingToken
	}
	return authenticator.Parse(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
}
