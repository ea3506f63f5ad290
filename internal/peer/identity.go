// Package peer implements the network/peer layer (C8): node identity, the
// trust graph nodes use to compute a remote caller's trust distance, the
// signed wire envelope, and the chi-based HTTP transport that forwards
// queries and mutations between nodes as peer-to-peer forwarding with
// ed25519-signed envelopes.
package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Identity is this node's own keypair and network address.
type Identity struct {
	NodeID     string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Address    string
}

// NewIdentity generates a fresh ed25519 keypair and node id for a node
// listening at address.
func NewIdentity(address string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node keypair: %w", err)
	}
	return &Identity{
		NodeID:     uuid.NewString(),
		PublicKey:  pub,
		PrivateKey: priv,
		Address:    address,
	}, nil
}
