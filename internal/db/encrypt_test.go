package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestKey(t *testing.T) {
	t.Helper()
	key := make([]byte, 32)
	copy(key, []byte("test-master-key"))
	require.NoError(t, InitEncryption(key))
}

func TestInitEncryption_RejectsBadKeyLength(t *testing.T) {
	assert.Error(t, InitEncryption([]byte("short")))
	assert.Error(t, InitEncryption(make([]byte, 33)))
	assert.NoError(t, InitEncryption(make([]byte, 32)))
}

func TestEncryptedString_RoundTrip(t *testing.T) {
	initTestKey(t)

	original := EncryptedString("whsec_super_secret")
	stored, err := original.Value()
	require.NoError(t, err)

	// The stored form is ciphertext, not the plaintext.
	assert.NotEqual(t, string(original), stored)

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(stored))
	assert.Equal(t, original, decoded)
}

func TestEncryptedString_EmptyPassesThrough(t *testing.T) {
	initTestKey(t)

	stored, err := EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(""))
	assert.Equal(t, EncryptedString(""), decoded)
}

func TestEncryptedString_UniqueNoncePerEncryption(t *testing.T) {
	initTestKey(t)

	first, err := EncryptedString("same value").Value()
	require.NoError(t, err)
	second, err := EncryptedString("same value").Value()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEncryptedString_TamperedCiphertextFails(t *testing.T) {
	initTestKey(t)

	stored, err := EncryptedString("secret").Value()
	require.NoError(t, err)

	// Changing one character of the stored form breaks GCM authentication.
	s := stored.(string)
	mid := len(s) / 2
	swap := "A"
	if s[mid] == 'A' {
		swap = "B"
	}
	var decoded EncryptedString
	assert.Error(t, decoded.Scan(s[:mid]+swap+s[mid+1:]))

	assert.Error(t, decoded.Scan("not base64 at all \x00"))

	// Truncated payloads are rejected before decryption.
	assert.Error(t, decoded.Scan("AAAA"))
}
