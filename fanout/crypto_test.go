package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	payload, err := Encrypt(`{"signal":"long","confidence":0.93}`, "shared-secret-1")
	require.NoError(t, err)

	plain, err := Decrypt(payload, "shared-secret-1")
	require.NoError(t, err)
	assert.Equal(t, `{"signal":"long","confidence":0.93}`, plain)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	a, err := Encrypt("same content", "secret")
	require.NoError(t, err)
	b, err := Encrypt("same content", "secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each envelope carries its own nonce")
}

func TestDecryptRejectsWrongSecret(t *testing.T) {
	payload, err := Encrypt("for alice only", "alice-secret")
	require.NoError(t, err)

	_, err = Decrypt(payload, "bob-secret")
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	_, err := Decrypt("not base64!!", "secret")
	assert.Error(t, err)

	_, err = Decrypt("AAAA", "secret") // too short to hold a nonce
	assert.Error(t, err)
}
