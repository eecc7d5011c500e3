package identity

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/event"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_ConfiguredKey(t *testing.T) {
	sk, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	secret := hex.EncodeToString(sk.Serialize())

	cfg := config.Default()
	cfg.Nostr.SecretKey = secret

	id, err := Load(cfg, "", discardLogger())
	require.NoError(t, err)

	assert.False(t, id.Generated())
	assert.Len(t, id.PublicKey(), 64)
	// Same secret loads to the same public key.
	id2, err := Load(cfg, "", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), id2.PublicKey())
}

func TestLoad_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaygate.toml")

	cfg := config.Default()
	require.Empty(t, cfg.Nostr.SecretKey)

	id, err := Load(cfg, path, discardLogger())
	require.NoError(t, err)
	assert.True(t, id.Generated())
	assert.NotEmpty(t, cfg.Nostr.SecretKey)

	// The saved config holds the generated secret.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), cfg.Nostr.SecretKey)

	// Reloading from the saved file recovers the same identity.
	reloaded, err := config.Load(path)
	require.NoError(t, err)
	again, err := Load(reloaded, "", discardLogger())
	require.NoError(t, err)
	assert.False(t, again.Generated())
	assert.Equal(t, id.PublicKey(), again.PublicKey())
}

func TestLoad_MemoryOnlyWithoutPath(t *testing.T) {
	cfg := config.Default()
	id, err := Load(cfg, "", discardLogger())
	require.NoError(t, err)
	assert.True(t, id.Generated())
	assert.NotEmpty(t, cfg.Nostr.SecretKey)
}

func TestLoad_UnusableConfiguredKey(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{"not hex", strings.Repeat("zz", 32)},
		{"too short", "abcd"},
		{"zero scalar", strings.Repeat("00", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Nostr.SecretKey = tt.secret

			id, err := Load(cfg, "", discardLogger())
			require.NoError(t, err)
			assert.True(t, id.Generated())
			assert.NotEqual(t, tt.secret, cfg.Nostr.SecretKey)
		})
	}
}

func TestLoad_UnwritablePathStaysMemoryOnly(t *testing.T) {
	// Point at a path whose parent is a file, so Save must fail.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := config.Default()
	id, err := Load(cfg, filepath.Join(blocker, "cfg.toml"), discardLogger())
	require.NoError(t, err)
	assert.True(t, id.Generated())
	assert.NotEmpty(t, id.PublicKey())
}

func TestIdentity_Sign(t *testing.T) {
	cfg := config.Default()
	id, err := Load(cfg, "", discardLogger())
	require.NoError(t, err)

	ev := event.Event{
		CreatedAt: 1700000000,
		Kind:      39990,
		Content:   `{"op":"platform_key_rotation"}`,
	}
	require.NoError(t, id.Sign(&ev))

	assert.Equal(t, id.PublicKey(), ev.PubKey)
	require.NoError(t, ev.Verify())
}
