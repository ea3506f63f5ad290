// Package resolver implements the field resolver (C5): the single path
// from a logical (schema, field[, range_key]) coordinate to its physical
// AtomRef storage, picking one AtomRef per field behind a stable handle
// interface.
package resolver

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/datafold/datafold/internal/atomstore"
	"github.com/datafold/datafold/internal/errs"
	"github.com/datafold/datafold/internal/schemaregistry"
)

const defaultHandleCacheSize = 1024

// Resolver maps (schema, field) to a storage handle, enforcing schema
// approval and range-key presence before any write.
type Resolver struct {
	schemas *schemaregistry.Registry
	atoms   *atomstore.Store

	handles *lru.Cache // refUUID -> *Handle
	group   singleflight.Group
}

// New creates a Resolver over schemas and atoms.
func New(schemas *schemaregistry.Registry, atoms *atomstore.Store) *Resolver {
	cache, _ := lru.New(defaultHandleCacheSize)
	return &Resolver{schemas: schemas, atoms: atoms, handles: cache}
}

// Atoms exposes the underlying atom store, used by the query/mutation
// engine to create atoms directly before handing their uuid to a Handle.
func (r *Resolver) Atoms() *atomstore.Store { return r.atoms }

func refUUID(schema, field string) string {
	return schema + "." + field
}

// Resolve loads schema, rejecting it unless Approved, locates (or
// schedules creation of) the field's ref, and returns a Handle bound to
// it. Concurrent resolves for the same (schema, field) are coalesced via
// singleflight so a burst of first-writers only creates the ref once.
func (r *Resolver) Resolve(ctx context.Context, schemaName, field string) (*Handle, error) {
	key := refUUID(schemaName, field)

	if cached, ok := r.handles.Get(key); ok {
		h := cached.(*Handle)
		// Re-validate schema approval on every call even when the handle
		// is cached — lifecycle state can change between resolves.
		if _, err := r.schemas.RequireApproved(ctx, schemaName); err != nil {
			return nil, err
		}
		return h, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		schema, err := r.schemas.RequireApproved(ctx, schemaName)
		if err != nil {
			return nil, err
		}
		spec, ok := schema.Fields[field]
		if !ok {
			return nil, fmt.Errorf("schema %s has no field %q", schemaName, field)
		}

		h := &Handle{
			atoms:      r.atoms,
			refUUID:    key,
			fieldType:  spec.FieldType,
			schemaName: schemaName,
			field:      field,
		}
		r.handles.Add(key, h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Handle exposes read/write/scan operations on one field's backing
// AtomRef — read(), write(), and, for Range/Collection fields, a key-
// scoped read/write plus a range scan.
type Handle struct {
	atoms      *atomstore.Store
	refUUID    string
	fieldType  schemaregistry.FieldType
	schemaName string
	field      string
}

// FieldType reports which AtomRef variant this handle addresses.
func (h *Handle) FieldType() schemaregistry.FieldType { return h.fieldType }

// Read returns the current atom for a Single field.
func (h *Handle) Read(ctx context.Context) (*atomstore.Atom, error) {
	if h.fieldType != schemaregistry.FieldSingle {
		return nil, fmt.Errorf("field %s.%s is not single-valued", h.schemaName, h.field)
	}
	ref, err := h.atoms.EnsureRef(ctx, h.refUUID, atomstore.RefSingle)
	if err != nil {
		return nil, err
	}
	if ref.Single == "" {
		return nil, nil
	}
	return h.atoms.GetAtom(ctx, ref.Single)
}

// Write installs a new current atom for a Single field.
func (h *Handle) Write(ctx context.Context, atomUUID, sourcePubKey string) error {
	if h.fieldType != schemaregistry.FieldSingle {
		return fmt.Errorf("field %s.%s is not single-valued", h.schemaName, h.field)
	}
	return h.atoms.UpdateRefSingle(ctx, h.refUUID, atomUUID, sourcePubKey)
}

func (h *Handle) refType() atomstore.RefType {
	if h.fieldType == schemaregistry.FieldRange {
		return atomstore.RefRange
	}
	return atomstore.RefCollection
}

// ReadKey returns the atom stored at key within a Collection/Range field.
func (h *Handle) ReadKey(ctx context.Context, key string) (*atomstore.Atom, error) {
	if h.fieldType == schemaregistry.FieldSingle {
		return nil, fmt.Errorf("field %s.%s is single-valued", h.schemaName, h.field)
	}
	ref, err := h.atoms.EnsureRef(ctx, h.refUUID, h.refType())
	if err != nil {
		return nil, err
	}
	entries := ref.Collection
	if h.fieldType == schemaregistry.FieldRange {
		entries = ref.Range
	}
	atomUUID, ok := entries[key]
	if !ok {
		return nil, nil
	}
	return h.atoms.GetAtom(ctx, atomUUID)
}

// WriteKey mutates one entry of a Collection/Range field. For Range
// fields it enforces a trimmed non-empty key before any write.
func (h *Handle) WriteKey(ctx context.Context, key, atomUUID, sourcePubKey string, op atomstore.EntryOp) error {
	if h.fieldType == schemaregistry.FieldSingle {
		return fmt.Errorf("field %s.%s is single-valued", h.schemaName, h.field)
	}
	if h.fieldType == schemaregistry.FieldRange && strings.TrimSpace(key) == "" {
		return &errs.InvalidData{Reason: fmt.Sprintf("range key for %s.%s is missing or blank", h.schemaName, h.field)}
	}
	return h.atoms.UpdateRefEntry(ctx, h.refUUID, h.refType(), key, atomUUID, sourcePubKey, op)
}

// Scan returns every (key, atom) pair in [startKey, endKey] for a Range
// field.
func (h *Handle) Scan(ctx context.Context, startKey, endKey string) ([]atomstore.RangeEntry, error) {
	if h.fieldType != schemaregistry.FieldRange {
		return nil, fmt.Errorf("field %s.%s is not a range field", h.schemaName, h.field)
	}
	return h.atoms.ScanRange(ctx, h.refUUID, startKey, endKey)
}
