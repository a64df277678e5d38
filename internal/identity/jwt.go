package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL matches the lifetime handed out by the login endpoints.
const DefaultTokenTTL = 24 * time.Hour

// Claims defines the structure of the data stored inside the JWT.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 tokens carrying an Identity.
// Verification has no side effects: it only depends on the token, the secret
// and the clock.
type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWT returns a JWT codec for the given secret and issuer.
func NewJWT(secret []byte, issuer string) *JWT {
	return &JWT{secret: secret, issuer: issuer, now: time.Now}
}

// WithClock returns a copy of j that reads time from now.
func (j *JWT) WithClock(now func() time.Time) *JWT {
	cp := *j
	cp.now = now
	return &cp
}

// Issue creates a signed token for id that expires after ttl.
func (j *JWT) Issue(id Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" || id.Username == "" {
		return "", fmt.Errorf("issue token: %w", ErrMalformedCredential)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	issuedAt := j.now()
	claims := &Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Verify resolves token to an Identity.
//
// An empty token, or a context that is already done, is reported as
// ErrMissingCredential. Anything that fails to parse or verify is
// ErrMalformedCredential, and a valid token past its expiry is
// ErrExpiredCredential.
func (j *JWT) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingCredential
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.now),
	)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: %v", ErrExpiredCredential, err)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrMalformedCredential
	}
	if claims.UserID == "" || claims.Username == "" {
		return Identity{}, fmt.Errorf("%w: identity claims are empty", ErrMalformedCredential)
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
