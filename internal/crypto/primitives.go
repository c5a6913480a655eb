package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Hash returns the SHA-256 digest of s as 64 hex characters.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Compare performs a timing-safe equality check. Both inputs are reduced to
// fixed-length digests first, so observation time is a function of input
// lengths only, never of where the first difference sits.
func Compare(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	sameDigest := subtle.ConstantTimeCompare(da[:], db[:])
	sameLen := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return sameDigest&sameLen == 1
}

// TokenPair is an opaque credential: the plaintext leaves the process exactly
// once, only the hash touches storage.
type TokenPair struct {
	Token string
	Hash  string
}

// NewTokenPair generates a random UUIDv7-style token and its SHA-256 hash.
func NewTokenPair() (TokenPair, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return TokenPair{}, fmt.Errorf("crypto: token generation: %w", err)
	}
	// A second random suffix pushes entropy well past the v7 random bits.
	suffix := make([]byte, 16)
	if _, err := rand.Read(suffix); err != nil {
		return TokenPair{}, fmt.Errorf("crypto: token generation: %w", err)
	}
	token := id.String() + "." + hex.EncodeToString(suffix)
	return TokenPair{Token: token, Hash: Hash(token)}, nil
}

// GenerateMasterKey produces a fresh base64-encoded 32-byte master key,
// suitable for ENCRYPTION_KEY.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("crypto: key generation: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
