// Package identity manages the gateway's own signing key. The key
// signs platform notices (key rotation announcements) and is published
// through the control API and the bot registry.
package identity

import (
	"encoding/hex"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/c360/relaygate/config"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/event"
)

// Identity is a loaded secp256k1 keypair. The secret key never leaves
// the struct; callers sign through it.
type Identity struct {
	sk        *secp256k1.PrivateKey
	publicKey string
	generated bool
}

// Load returns the identity configured in [nostr].secret_key, or
// generates one when the key is missing or unusable. A generated key is
// written back through cfg and persisted to path so the identity
// survives restarts; when that is not possible the gateway runs with a
// memory-only key and says so.
func Load(cfg *config.AppConfig, path string, log *slog.Logger) (*Identity, error) {
	if sk, ok := decodeSecret(cfg.Nostr.SecretKey); ok {
		id := newIdentity(sk, false)
		log.Info("loaded identity key", "pubkey", id.publicKey)
		return id, nil
	}

	if cfg.Nostr.SecretKey != "" {
		log.Warn("configured secret key is unusable, generating a new identity")
	}

	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.WrapFatal(err, "Identity", "Load", "generate keypair")
	}
	id := newIdentity(sk, true)
	log.Info("generated new identity key", "pubkey", id.publicKey)

	cfg.Nostr.SecretKey = hex.EncodeToString(sk.Serialize())
	switch {
	case path == "":
		log.Warn("no config path, identity key is memory-only and will change on restart")
	default:
		if err := cfg.Save(path); err != nil {
			log.Warn("could not persist identity key, it will change on restart",
				"path", path, "error", err)
		} else {
			log.Info("persisted identity key", "path", path)
		}
	}
	return id, nil
}

func newIdentity(sk *secp256k1.PrivateKey, generated bool) *Identity {
	return &Identity{
		sk:        sk,
		publicKey: hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())),
		generated: generated,
	}
}

// decodeSecret parses a 64-char hex secret key. The zero scalar is not
// a valid key.
func decodeSecret(s string) (*secp256k1.PrivateKey, bool) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	zero := true
	for _, b := range raw {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil, false
	}
	return secp256k1.PrivKeyFromBytes(raw), true
}

// PublicKey returns the x-only public key as lowercase hex.
func (i *Identity) PublicKey() string { return i.publicKey }

// Generated reports whether the key was created on this load rather
// than read from configuration.
func (i *Identity) Generated() bool { return i.generated }

// Sign signs ev with the identity key, filling in its pubkey, ID, and
// signature.
func (i *Identity) Sign(ev *event.Event) error {
	return ev.Sign(i.sk)
}
