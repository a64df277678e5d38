// Package identity issues and verifies the bearer tokens that clients present
// when they open a realtime connection, and resolves them to an Identity.
package identity

import "errors"

// Identity is the resolved user a session speaks for.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Authentication failures. The transport refuses the connection for all of them.
var (
	ErrMissingCredential   = errors.New("missing credential")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrExpiredCredential   = errors.New("expired credential")
)

// IsAuthError reports whether err is one of the credential failures above.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrMalformedCredential) ||
		errors.Is(err, ErrExpiredCredential)
}
