package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// refreshSecretBytes is the entropy of a generated refresh secret.
const refreshSecretBytes = 32

// TokenHasher produces the storable digest of an opaque refresh secret.
// The digest is deterministic: the same secret always maps to the same
// value, which is what makes lookup-by-hash possible without ever
// persisting the secret itself.
type TokenHasher interface {
	Hash(secret string) string
}

// SHA256TokenHasher hashes refresh secrets with SHA-256 and encodes the
// digest with URL-safe base64.
type SHA256TokenHasher struct{}

// Hash returns the digest for the given secret.
func (SHA256TokenHasher) Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SecureRandomSource yields cryptographically random refresh secrets.
// General-purpose PRNGs must never back this capability.
type SecureRandomSource interface {
	Secret() (string, error)
}

// CryptoRandSource draws secrets from crypto/rand.
type CryptoRandSource struct{}

// Secret returns a fresh 256-bit secret in URL-safe base64.
func (CryptoRandSource) Secret() (string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
