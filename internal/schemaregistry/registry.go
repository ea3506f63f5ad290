package schemaregistry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/errs"
	"github.com/datafold/datafold/internal/kv"
)

// Entry is the persisted record for one schema: its definition, lifecycle
// state, and a tamper-evidence hash.
type Entry struct {
	Schema *Schema `json:"schema"`
	State  State   `json:"state"`
	Hash   string  `json:"hash"`
}

// Registry is the schema registry (C4): lifecycle state machine plus
// permission policy evaluation, persisted synchronously to the "schemas"
// KV tree.
type Registry struct {
	kv  *kv.Store
	bus *bus.Bus

	// mu serializes lifecycle transitions; readers snapshot without
	// locking.
	mu sync.Mutex
}

// New creates a Registry backed by kvStore, publishing lifecycle events
// on eventBus (which may be nil).
func New(kvStore *kv.Store, eventBus *bus.Bus) *Registry {
	return &Registry{kv: kvStore, bus: eventBus}
}

func (r *Registry) publish(ev bus.Event) {
	if r.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.Publisher = "schemaregistry"
	r.bus.Publish(ev)
}

// canonicalHash computes the hex BLAKE2b-256 digest of s's canonical JSON
// encoding, stored alongside the schema as its tamper-evidence hash.
func canonicalHash(s *Schema) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (r *Registry) load(ctx context.Context, name string) (*Entry, bool, error) {
	raw, ok, err := r.kv.Get(ctx, kv.TreeSchemas, name)
	if err != nil {
		return nil, false, &errs.StorageError{Op: "get schema", Cause: err}
	}
	if !ok {
		return nil, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal schema entry: %w", err)
	}
	return &e, true, nil
}

func (r *Registry) store(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal schema entry: %w", err)
	}
	if err := r.kv.Put(ctx, kv.TreeSchemas, e.Schema.Name, raw); err != nil {
		return &errs.StorageError{Op: "put schema", Cause: err}
	}
	return nil
}

// AddAvailable registers a brand-new schema in state Available. It is
// rejected if a schema with the same name already exists.
func (r *Registry) AddAvailable(ctx context.Context, s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok, err := r.load(ctx, s.Name); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("schema %s already exists", s.Name)
	}

	hash, err := canonicalHash(s)
	if err != nil {
		return fmt.Errorf("hash schema: %w", err)
	}
	e := &Entry{Schema: s, State: StateAvailable, Hash: hash}
	if err := r.store(ctx, e); err != nil {
		return err
	}
	r.publish(bus.Event{Type: bus.EventSchemaLoaded, Payload: bus.SchemaLoadedPayload{Schema: s.Name, Status: string(StateAvailable)}})
	return nil
}

// transition fires t against the schema's current state and persists the
// result, emitting SchemaChanged.
func (r *Registry) transition(ctx context.Context, name string, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &errs.SchemaNotFound{Schema: name}
	}

	to, err := Apply(e.State, t)
	if err != nil {
		return err
	}
	from := e.State
	e.State = to
	if err := r.store(ctx, e); err != nil {
		return err
	}
	r.publish(bus.Event{Type: bus.EventSchemaChanged, Payload: bus.SchemaChangedPayload{Schema: name, From: string(from), To: string(to)}})
	return nil
}

// Approve fires the approve_schema transition (Available|Blocked -> Approved).
func (r *Registry) Approve(ctx context.Context, name string) error {
	e, ok, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &errs.SchemaNotFound{Schema: name}
	}
	if e.State == StateBlocked {
		return r.transition(ctx, name, TransitionAllow)
	}
	return r.transition(ctx, name, TransitionApprove)
}

// Block fires the block transition (Available|Approved -> Blocked).
func (r *Registry) Block(ctx context.Context, name string) error {
	return r.transition(ctx, name, TransitionBlock)
}

// Unload fires the unload transition (Approved -> Available).
func (r *Registry) Unload(ctx context.Context, name string) error {
	return r.transition(ctx, name, TransitionUnload)
}

// Get returns the current entry for name, or SchemaNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*Entry, error) {
	e, ok, err := r.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errs.SchemaNotFound{Schema: name}
	}
	return e, nil
}

// RequireApproved returns the schema if it is Approved, or
// SchemaNotFound / SchemaNotApproved otherwise (invariant 4).
func (r *Registry) RequireApproved(ctx context.Context, name string) (*Schema, error) {
	e, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if e.State != StateApproved {
		return nil, &errs.SchemaNotApproved{Schema: name, State: string(e.State)}
	}
	return e.Schema, nil
}

// List returns every registered schema entry.
func (r *Registry) List(ctx context.Context) ([]*Entry, error) {
	entries, err := r.kv.Scan(ctx, kv.TreeSchemas, "")
	if err != nil {
		return nil, &errs.StorageError{Op: "scan schemas", Cause: err}
	}
	out := make([]*Entry, 0, len(entries))
	for _, kve := range entries {
		var e Entry
		if err := json.Unmarshal(kve.Value, &e); err != nil {
			return nil, fmt.Errorf("unmarshal schema entry %s: %w", kve.Key, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// TamperedSchema names a schema whose recomputed hash no longer matches
// the hash stored alongside it.
type TamperedSchema struct {
	Name       string
	StoredHash string
	Computed   string
}

// HashSchemas recomputes every schema's canonical hash and reports any
// mismatch against the stored hash, detecting on-disk tampering.
func (r *Registry) HashSchemas(ctx context.Context) ([]TamperedSchema, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []TamperedSchema
	for _, e := range entries {
		computed, err := canonicalHash(e.Schema)
		if err != nil {
			return nil, err
		}
		if computed != e.Hash {
			out = append(out, TamperedSchema{Name: e.Schema.Name, StoredHash: e.Hash, Computed: computed})
		}
	}
	return out, nil
}
