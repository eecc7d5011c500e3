package fanout

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypt seals content for a follower. The key is sha256 of the shared
// secret string, the nonce is 12 random bytes, and the payload on the
// wire is base64(nonce || ciphertext).
func Encrypt(content, sharedSecret string) (string, error) {
	key := sha256.Sum256([]byte(sharedSecret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("build cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(content), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt. Used by subscriber-side
// tooling and tests.
func Decrypt(payload, sharedSecret string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSize {
		return "", fmt.Errorf("payload shorter than nonce")
	}

	key := sha256.Sum256([]byte(sharedSecret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("build cipher: %w", err)
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open payload: %w", err)
	}
	return string(plain), nil
}
