// Package event implements the Nostr event model: canonical
// serialization, identifier hashing, BIP340 signatures, and the wire
// envelopes relays exchange.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/c360/relaygate/errors"
)

// Event is a signed Nostr event. The gateway forwards events verbatim;
// nothing here mutates a received event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      uint16     `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical form the event ID is computed over:
// the JSON array [0,pubkey,created_at,kind,tags,content] with the
// escaping rules fixed by the protocol. Any whitespace or alternative
// escaping would change the hash.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,"`...)
	buf = append(buf, e.PubKey...)
	buf = append(buf, `",`...)
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, uint64(e.Kind), 10)
	buf = append(buf, ',')
	buf = appendTags(buf, e.Tags)
	buf = append(buf, ',')
	buf = appendEscaped(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// ComputeID returns the sha256 of the canonical serialization as a
// lowercase hex string.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// IDBytes decodes the event ID into its 32-byte form, used as the
// deduplication key.
func (e *Event) IDBytes() ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(e.ID)
	if err != nil {
		return id, fmt.Errorf("%w: event id is not hex", errors.ErrInvalidEventID)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("%w: event id is %d bytes", errors.ErrInvalidEventID, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// CheckID verifies that the ID matches the event content.
func (e *Event) CheckID() error {
	if computed := e.ComputeID(); computed != e.ID {
		return fmt.Errorf("%w: got %s, computed %s", errors.ErrInvalidEventID, e.ID, computed)
	}
	return nil
}

// Verify checks the event ID against the content and the BIP340
// signature against the author's public key.
func (e *Event) Verify() error {
	if err := e.CheckID(); err != nil {
		return err
	}

	pkRaw, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pkRaw) != 32 {
		return fmt.Errorf("%w: pubkey is not a 32-byte hex key", errors.ErrInvalidSignature)
	}
	pub, err := schnorr.ParsePubKey(pkRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidSignature, err)
	}

	sigRaw, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigRaw) != 64 {
		return fmt.Errorf("%w: sig is not a 64-byte hex signature", errors.ErrInvalidSignature)
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidSignature, err)
	}

	id, err := e.IDBytes()
	if err != nil {
		return err
	}
	if !sig.Verify(id[:], pub) {
		return errors.ErrInvalidSignature
	}
	return nil
}

// Sign fills in PubKey, ID, and Sig from the given secret key. Tags are
// normalized to an empty slice so the wire form is "[]" rather than
// null.
func (e *Event) Sign(sk *secp256k1.PrivateKey) error {
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))
	e.ID = e.ComputeID()

	id, err := e.IDBytes()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(sk, id[:])
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// appendTags appends the canonical JSON form of the tag list.
func appendTags(buf []byte, tags [][]string) []byte {
	buf = append(buf, '[')
	for i, tag := range tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, item := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendEscaped(buf, item)
		}
		buf = append(buf, ']')
	}
	return append(buf, ']')
}

// appendEscaped appends s as a JSON string using the protocol's fixed
// escaping: quote, backslash, and the named control characters get
// two-character escapes, other control characters get \u00xx, and
// everything else passes through verbatim. encoding/json cannot be used
// here because it additionally escapes HTML characters.
func appendEscaped(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		case c == '\b':
			buf = append(buf, '\\', 'b')
		case c == '\f':
			buf = append(buf, '\\', 'f')
		case c < 0x20:
			buf = append(buf, fmt.Sprintf("\\u%04x", c)...)
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}
