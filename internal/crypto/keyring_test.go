package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/backend/internal/reqctx"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	master := bytes.Repeat([]byte{0x42}, 32)
	k, err := NewKeyring(master)
	require.NoError(t, err)
	return k
}

func TestNewKeyring_RejectsBadLength(t *testing.T) {
	_, err := NewKeyring([]byte("too short"))
	require.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	k := testKeyring(t)
	ctx := reqctx.Inject(t.Context(), reqctx.New("tenant-a"))

	plaintext := "MySuperSecretTOTPSeed"
	frame, err := k.Encrypt(ctx, plaintext)
	require.NoError(t, err)
	require.Greater(t, len(frame), minFrameLength)
	assert.Equal(t, frameVersion, frame[0])

	decrypted, err := k.Decrypt(ctx, frame)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_NonceUniquePerCall(t *testing.T) {
	k := testKeyring(t)
	ctx := reqctx.Inject(t.Context(), reqctx.New("tenant-a"))

	a, err := k.Encrypt(ctx, "same plaintext")
	require.NoError(t, err)
	b, err := k.Encrypt(ctx, "same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_TenantIsolation(t *testing.T) {
	k := testKeyring(t)

	frame, err := k.EncryptForTenant("tenant-a", "cross-tenant secret")
	require.NoError(t, err)

	// Same master key, different tenant: the derived key differs, so the
	// AEAD tag check must fail.
	_, err = k.DecryptForTenant("tenant-b", frame)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	decrypted, err := k.DecryptForTenant("tenant-a", frame)
	require.NoError(t, err)
	assert.Equal(t, "cross-tenant secret", decrypted)
}

func TestDecrypt_TamperedFrame(t *testing.T) {
	k := testKeyring(t)

	frame, err := k.EncryptForTenant("tenant-a", "payload")
	require.NoError(t, err)

	tampered := append([]byte{}, frame...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = k.DecryptForTenant("tenant-a", tampered)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecrypt_InvalidFormat(t *testing.T) {
	k := testKeyring(t)

	_, err := k.DecryptForTenant("tenant-a", []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	frame, err := k.EncryptForTenant("tenant-a", "payload")
	require.NoError(t, err)
	frame[0] = 0 // reserved invalid version
	_, err = k.DecryptForTenant("tenant-a", frame)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestHMAC_DeterministicPerTenant(t *testing.T) {
	k := testKeyring(t)

	a1, err := k.HMAC("tenant-a", "token")
	require.NoError(t, err)
	a2, err := k.HMAC("tenant-a", "token")
	require.NoError(t, err)
	b, err := k.HMAC("tenant-b", "token")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, 64) // hex sha256
}

func TestTenantKey_EmptyFallsBackToDefault(t *testing.T) {
	k := testKeyring(t)

	empty, err := k.TenantKey("")
	require.NoError(t, err)
	def, err := k.TenantKey(reqctx.TenantDefault)
	require.NoError(t, err)
	assert.Equal(t, def, empty)
}

func TestCompare(t *testing.T) {
	assert.True(t, Compare("abc", "abc"))
	assert.False(t, Compare("abc", "abd"))
	assert.False(t, Compare("abc", "abcd"))
	assert.True(t, Compare("", ""))
}

func TestNewTokenPair(t *testing.T) {
	a, err := NewTokenPair()
	require.NoError(t, err)
	b, err := NewTokenPair()
	require.NoError(t, err)

	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, Hash(a.Token), a.Hash)
	assert.Len(t, a.Hash, 64)
}

func TestGenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}
