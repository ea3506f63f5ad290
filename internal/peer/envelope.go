package peer

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op names the operation a wire envelope carries.
type Op string

const (
	OpQuery    Op = "query"
	OpMutate   Op = "mutate"
	OpDiscover Op = "discover"
)

// Envelope is the signed JSON wire message nodes exchange, sent as a
// plain HTTP request body with no length prefix of its own. Signature
// covers a canonical serialization of (op, payload, nonce, timestamp).
type Envelope struct {
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
	PubKey    ed25519.PublicKey `json:"pub_key"`
	Nonce     string          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
}

type signedFields struct {
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     string          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
}

func canonicalSignedBytes(op Op, payload json.RawMessage, nonce string, timestamp int64) ([]byte, error) {
	return json.Marshal(signedFields{Op: op, Payload: payload, Nonce: nonce, Timestamp: timestamp})
}

// Sign builds and signs an Envelope carrying payload as op, using id's
// private key.
func Sign(id *Identity, op Op, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}
	nonce := uuid.NewString()
	timestamp := time.Now().Unix()

	signed, err := canonicalSignedBytes(op, raw, nonce, timestamp)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(id.PrivateKey, signed)

	return &Envelope{
		Op:        op,
		Payload:   raw,
		Signature: sig,
		PubKey:    id.PublicKey,
		Nonce:     nonce,
		Timestamp: timestamp,
	}, nil
}

// Verify checks env's signature against its embedded public key. It does
// not check the replay window or nonce cache — callers combine it with a
// NonceCache check.
func (env *Envelope) Verify() error {
	signed, err := canonicalSignedBytes(env.Op, env.Payload, env.Nonce, env.Timestamp)
	if err != nil {
		return err
	}
	if len(env.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("envelope carries a malformed public key")
	}
	if !ed25519.Verify(env.PubKey, signed, env.Signature) {
		return fmt.Errorf("envelope signature verification failed")
	}
	return nil
}
