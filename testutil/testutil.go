// Package testutil holds shared test helpers: throwaway signing keys,
// signed events, and free ports.
package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaygate/event"
)

// NewKey generates a throwaway secp256k1 key.
func NewKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	sk, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return sk
}

// SignedEvent builds a valid signed event with the given kind and
// content, timestamped now.
func SignedEvent(t *testing.T, sk *secp256k1.PrivateKey, kind uint16, content string) *event.Event {
	t.Helper()
	ev := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      [][]string{},
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

// FreePort asks the kernel for an unused TCP port.
func FreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
