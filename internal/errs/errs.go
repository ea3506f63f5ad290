// Package errs defines the error kinds shared across the DataFold core
// engine (§7 of the specification). Subsystems return sentinel errors for
// simple cases and the typed errors below when the caller needs structured
// fields (field name, policy, node id, ...).
package errs

import "fmt"

// Sentinel kinds without structured fields.
var (
	ErrConflict = fmt.Errorf("conflict")
	ErrTimeout  = fmt.Errorf("timeout")
)

// SchemaNotFound is returned when a schema name has no registered entry.
type SchemaNotFound struct {
	Schema string
}

func (e *SchemaNotFound) Error() string {
	return fmt.Sprintf("schema not found: %s", e.Schema)
}

// SchemaNotApproved is returned when an operation requires a schema in the
// Approved state but finds it in Available or Blocked.
type SchemaNotApproved struct {
	Schema string
	State  string
}

func (e *SchemaNotApproved) Error() string {
	return fmt.Sprintf("schema %s is not approved (state: %s)", e.Schema, e.State)
}

// InvalidData covers malformed range filters, missing/blank range keys, and
// any other request-shape violation that is never retried.
type InvalidData struct {
	Reason string
}

func (e *InvalidData) Error() string {
	return fmt.Sprintf("invalid data: %s", e.Reason)
}

// PermissionDenied is returned by the schema registry's policy check.
type PermissionDenied struct {
	Field  string
	Policy string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied: field %q requires %s", e.Field, e.Policy)
}

// StorageError wraps a failing KV substrate operation.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// RemoteError is returned by the peer layer when a remote node could not be
// reached or returned an error.
type RemoteError struct {
	NodeID string
	Cause  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from node %s: %v", e.NodeID, e.Cause)
}

func (e *RemoteError) Unwrap() error { return e.Cause }

// TransformError is recorded on a transform's state/history; it never
// propagates to the mutation that fed the transform's inputs.
type TransformError struct {
	ID    string
	Cause error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s failed: %v", e.ID, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }
