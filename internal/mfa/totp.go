// Package mfa implements TOTP multi-factor authentication: enrollment with
// encrypted secrets and hashed backup codes, verification with replay
// detection and exponential brute-force lockout, recovery and disable.
package mfa

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30
	totpDigits = otp.DigitsSix

	backupCodeCount  = 10
	backupCodeLength = 8
	// Uppercase base32 alphabet keeps codes unambiguous when read aloud.
	backupCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

var validateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      0,
	Digits:    totpDigits,
	Algorithm: otp.AlgorithmSHA256,
}

// generateSecret creates a fresh TOTP key for the account.
func generateSecret(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA256,
	})
}

// validateCode checks code against secret at t with a tolerance of one period
// in either direction. The offsets are evaluated per window so the matching
// window's delta feeds the replay key; comparison is constant time.
func validateCode(secret, code string, t time.Time) (valid bool, delta int64) {
	valid = false
	delta = 0
	for _, off := range []int64{-1, 0, 1} {
		expected, err := totp.GenerateCodeCustom(secret, t.Add(time.Duration(off)*totpPeriod*time.Second), validateOpts)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !valid {
			valid = true
			delta = off
		}
	}
	return valid, delta
}

// timeStep returns the TOTP counter for t shifted by delta windows.
func timeStep(t time.Time, delta int64) int64 {
	return t.UnixMilli()/(totpPeriod*1000) + delta
}

// qrDataURL renders the provisioning QR code as an inline PNG data URL.
func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(256, 256)
	if err != nil {
		return "", fmt.Errorf("mfa: qr render: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("mfa: qr encode: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// generateBackupCodes returns plaintext codes and their salted hashes.
// Hash format: salt_hex$sha256(salt || code), with codes stored uppercased.
func generateBackupCodes() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	hashes = make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		raw := make([]byte, backupCodeLength)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("mfa: backup code generation: %w", err)
		}
		code := make([]byte, backupCodeLength)
		for j, b := range raw {
			code[j] = backupCodeCharset[int(b)%len(backupCodeCharset)]
		}

		salt := make([]byte, 8)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("mfa: backup salt generation: %w", err)
		}
		saltHex := hex.EncodeToString(salt)

		codes = append(codes, string(code))
		hashes = append(hashes, saltHex+"$"+hashBackupCode(saltHex, string(code)))
	}
	return codes, hashes, nil
}

func hashBackupCode(salt, code string) string {
	sum := sha256.Sum256([]byte(salt + code))
	return hex.EncodeToString(sum[:])
}

// matchBackupCode scans stored hashes for code, constant-time comparing each
// digest. Returns the index of the consumed entry or -1.
func matchBackupCode(hashes []string, code string) int {
	match := -1
	for i, entry := range hashes {
		sep := -1
		for j := 0; j < len(entry); j++ {
			if entry[j] == '$' {
				sep = j
				break
			}
		}
		if sep < 0 {
			continue
		}
		digest := hashBackupCode(entry[:sep], code)
		if subtle.ConstantTimeCompare([]byte(digest), []byte(entry[sep+1:])) == 1 && match < 0 {
			match = i
		}
	}
	return match
}
