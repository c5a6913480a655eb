// Package crypto provides the tenant-scoped key hierarchy and the symmetric
// primitives built on it: AES-256-GCM with versioned framing, tenant-keyed
// HMAC, SHA-256 hashing, constant-time comparison and opaque token pairs.
//
// A single 32-byte master key is imported at process start. Every tenant gets
// its own AES key derived via HKDF-SHA256; changing the tenant id changes the
// derived key, so ciphertext and HMACs never cross tenant boundaries.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"github.com/parametricportal/backend/internal/reqctx"

	"context"
)

const (
	// hkdfInfoPrefix versions the derivation; bumping it rotates every
	// tenant key at once.
	hkdfInfoPrefix = "parametric-tenant-key-v1:"

	frameVersion   = byte(1)
	nonceSize      = 12
	minFrameLength = 1 + nonceSize + 1 // version + iv + at least one tag byte

	derivedKeyCap = 1000
	derivedKeyTTL = 24 * time.Hour
)

var (
	// ErrInvalidFormat covers length and version failures. Deliberately
	// generic: callers must not learn which check failed.
	ErrInvalidFormat = errors.New("crypto: invalid ciphertext format")

	// ErrDecryptFailed covers AEAD authentication failures.
	ErrDecryptFailed = errors.New("crypto: decryption failed")
)

// Keyring owns the master key and the per-tenant derived-key cache.
type Keyring struct {
	master []byte
	keys   *expirable.LRU[string, []byte]
	group  singleflight.Group
}

// NewKeyring imports a 32-byte master key.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("crypto: master key must be 32 bytes, got %d", len(master))
	}
	key := make([]byte, 32)
	copy(key, master)
	return &Keyring{
		master: key,
		keys:   expirable.NewLRU[string, []byte](derivedKeyCap, nil, derivedKeyTTL),
	}, nil
}

// TenantKey derives (or returns the cached) 256-bit AES key for a tenant.
// Derivation is deduplicated per tenant so a cold cache does not trigger
// a thundering herd of HKDF runs.
func (k *Keyring) TenantKey(tenantID string) ([]byte, error) {
	if tenantID == "" {
		tenantID = reqctx.TenantDefault
	}
	if key, ok := k.keys.Get(tenantID); ok {
		return key, nil
	}

	v, err, _ := k.group.Do(tenantID, func() (interface{}, error) {
		if key, ok := k.keys.Get(tenantID); ok {
			return key, nil
		}
		salt := make([]byte, 32) // fixed zero salt; tenant id feeds the info field
		r := hkdf.New(sha256.New, k.master, salt, []byte(hkdfInfoPrefix+tenantID))
		key := make([]byte, 32)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("crypto: key derivation failed: %w", err)
		}
		k.keys.Add(tenantID, key)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Encrypt seals plaintext under the key of the tenant bound to ctx.
// Frame layout: version(1) || iv(12) || gcm-ciphertext-and-tag.
func (k *Keyring) Encrypt(ctx context.Context, plaintext string) ([]byte, error) {
	return k.EncryptForTenant(reqctx.TenantID(ctx), plaintext)
}

// EncryptForTenant seals plaintext under an explicit tenant key. Most callers
// should use Encrypt; this exists for system scopes that act across tenants.
func (k *Keyring) EncryptForTenant(tenantID, plaintext string) ([]byte, error) {
	key, err := k.TenantKey(tenantID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init: %w", err)
	}

	// Nonce MUST be unique per encryption under the same key.
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation: %w", err)
	}

	frame := make([]byte, 0, 1+nonceSize+len(plaintext)+gcm.Overhead())
	frame = append(frame, frameVersion)
	frame = append(frame, iv...)
	frame = gcm.Seal(frame, iv, []byte(plaintext), nil)
	return frame, nil
}

// Decrypt opens a frame under the key of the tenant bound to ctx.
// Any failure (length, version, tag) surfaces as one of the two generic
// errors without revealing which check tripped.
func (k *Keyring) Decrypt(ctx context.Context, frame []byte) (string, error) {
	return k.DecryptForTenant(reqctx.TenantID(ctx), frame)
}

// DecryptForTenant opens a frame under an explicit tenant key.
func (k *Keyring) DecryptForTenant(tenantID string, frame []byte) (string, error) {
	if len(frame) < minFrameLength {
		return "", ErrInvalidFormat
	}
	// Version 1 is current; 0 is reserved as invalid.
	if frame[0] == 0 {
		return "", ErrInvalidFormat
	}

	key, err := k.TenantKey(tenantID)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryptFailed
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", ErrDecryptFailed
	}

	iv := frame[1 : 1+nonceSize]
	plaintext, err := gcm.Open(nil, iv, frame[1+nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// HMAC computes the tenant-keyed HMAC-SHA256 of s, hex encoded.
// Session and refresh token hashes use this: deterministic per tenant,
// unforgeable without the master key.
func (k *Keyring) HMAC(tenantID, s string) (string, error) {
	key, err := k.TenantKey(tenantID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
