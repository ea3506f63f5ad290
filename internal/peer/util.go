package peer

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/datafold/datafold/internal/errs"
)

// publicKeyString renders a public key as the hex string identity used
// throughout the schema registry's Explicit permission policies and the
// query/mutation engine's Auth.PubKey.
func publicKeyString(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// DecodePublicKey parses the hex identity string produced by
// publicKeyString back into an ed25519.PublicKey, for seeding a trust
// graph from configuration.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has wrong length: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// statusFor maps an engine error to the HTTP status a peer should see,
// mirroring the CLI's own exit-code mapping (usage, permission,
// storage, network) translated to HTTP's vocabulary.
func statusFor(err error) int {
	var notFound *errs.SchemaNotFound
	var notApproved *errs.SchemaNotApproved
	var invalid *errs.InvalidData
	var denied *errs.PermissionDenied
	var storage *errs.StorageError

	switch {
	case errors.As(err, &notFound), errors.As(err, &notApproved):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &denied):
		return http.StatusForbidden
	case errors.As(err, &storage):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
