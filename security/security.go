// Package security provides the security primitives shared by the
// authorization server: secret hashing, audit logging with PII protection,
// per-key rate limiting, response security headers, and client IP
// extraction.
package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// SecretHasher hashes and verifies client secrets. Implementations must be
// safe for concurrent use.
type SecretHasher interface {
	// Hash returns a one-way hash of the secret suitable for storage.
	Hash(secret string) (string, error)

	// Compare verifies a presented secret against a stored hash. The
	// returned error carries no information beyond match/no-match.
	Compare(hash, secret string) error
}

// BcryptHasher implements SecretHasher using bcrypt.
type BcryptHasher struct {
	// Cost is the bcrypt work factor. Zero means bcrypt.DefaultCost.
	Cost int
}

var _ SecretHasher = (*BcryptHasher)(nil)

func (h *BcryptHasher) Hash(secret string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (h *BcryptHasher) Compare(hash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

// ConstantTimeEquals compares two strings in constant time.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashForLogging creates a SHA-256 hash prefix of sensitive data so logs
// can correlate events without storing the value itself.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
