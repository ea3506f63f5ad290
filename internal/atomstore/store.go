package atomstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/errs"
	"github.com/datafold/datafold/internal/kv"
)

// Store is the atom store (C3): it writes atom history and maintains
// AtomRef pointers on top of the KV substrate, publishing an event on
// every write.
type Store struct {
	kv  *kv.Store
	bus *bus.Bus
}

// New creates a Store backed by kvStore, publishing events on eventBus.
// eventBus may be nil, in which case events are simply not published
// (useful for tests that only exercise storage semantics).
func New(kvStore *kv.Store, eventBus *bus.Bus) *Store {
	return &Store{kv: kvStore, bus: eventBus}
}

func (s *Store) publish(ev bus.Event) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.Publisher = "atomstore"
	s.bus.Publish(ev)
}

// CreateAtom writes one immutable atom and returns its uuid. status
// defaults to StatusActive when empty.
func (s *Store) CreateAtom(ctx context.Context, schema, sourcePubKey, prevAtomUUID string, content interface{}, status Status) (string, error) {
	if status == "" {
		status = StatusActive
	}
	if prevAtomUUID != "" {
		if _, err := s.GetAtom(ctx, prevAtomUUID); err != nil {
			return "", fmt.Errorf("prev atom %s: %w", prevAtomUUID, err)
		}
	}

	a := &Atom{
		UUID:            uuid.NewString(),
		SchemaName:      schema,
		SourcePublicKey: sourcePubKey,
		PrevAtomUUID:    prevAtomUUID,
		Content:         content,
		CreatedAt:       time.Now(),
		Status:          status,
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal atom: %w", err)
	}
	if err := s.kv.Put(ctx, kv.TreeAtoms, a.UUID, raw); err != nil {
		return "", &errs.StorageError{Op: "put atom", Cause: err}
	}

	s.publish(bus.Event{Type: bus.EventAtomCreated, Payload: bus.AtomCreatedPayload{
		AtomUUID: a.UUID, Schema: schema, SourceKey: sourcePubKey,
	}})
	return a.UUID, nil
}

// GetAtom loads one atom by uuid.
func (s *Store) GetAtom(ctx context.Context, atomUUID string) (*Atom, error) {
	raw, ok, err := s.kv.Get(ctx, kv.TreeAtoms, atomUUID)
	if err != nil {
		return nil, &errs.StorageError{Op: "get atom", Cause: err}
	}
	if !ok {
		return nil, fmt.Errorf("atom not found: %s", atomUUID)
	}
	var a Atom
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("unmarshal atom: %w", err)
	}
	return &a, nil
}

// History walks prev_atom_uuid back to the root, newest first.
func (s *Store) History(ctx context.Context, refUUID string) ([]*Atom, error) {
	ref, err := s.GetRef(ctx, refUUID)
	if err != nil {
		return nil, err
	}
	if ref.Type != RefSingle || ref.Single == "" {
		return nil, fmt.Errorf("history is only defined for populated single refs")
	}
	var out []*Atom
	cur := ref.Single
	for cur != "" {
		a, err := s.GetAtom(ctx, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		cur = a.PrevAtomUUID
	}
	return out, nil
}

func (s *Store) loadRef(ctx context.Context, refUUID string) (*AtomRef, []byte, bool, error) {
	raw, ok, err := s.kv.Get(ctx, kv.TreeAtomRefs, refUUID)
	if err != nil {
		return nil, nil, false, &errs.StorageError{Op: "get ref", Cause: err}
	}
	if !ok {
		return nil, nil, false, nil
	}
	var ref AtomRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, nil, false, fmt.Errorf("unmarshal ref: %w", err)
	}
	return &ref, raw, true, nil
}

// GetRef loads an AtomRef by uuid.
func (s *Store) GetRef(ctx context.Context, refUUID string) (*AtomRef, error) {
	ref, _, ok, err := s.loadRef(ctx, refUUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ref not found: %s", refUUID)
	}
	return ref, nil
}

// EnsureRef returns the ref at refUUID, creating an empty ref of refType
// if it does not yet exist. This backs the field resolver's create-on-
// first-write behavior.
func (s *Store) EnsureRef(ctx context.Context, refUUID string, refType RefType) (*AtomRef, error) {
	for {
		ref, raw, ok, err := s.loadRef(ctx, refUUID)
		if err != nil {
			return nil, err
		}
		if ok {
			return ref, nil
		}

		fresh := &AtomRef{UUID: refUUID, Type: refType}
		switch refType {
		case RefCollection:
			fresh.Collection = map[string]string{}
		case RefRange:
			fresh.Range = map[string]string{}
		}
		freshRaw, err := json.Marshal(fresh)
		if err != nil {
			return nil, fmt.Errorf("marshal ref: %w", err)
		}
		if err := s.kv.CompareAndSwap(ctx, kv.TreeAtomRefs, refUUID, nil, freshRaw); err != nil {
			// Someone else created it concurrently; re-read and return that.
			_ = raw
			continue
		}
		return fresh, nil
	}
}

const maxCASRetries = 3

// UpdateRefSingle atomically replaces a Single ref's current atom uuid.
// The ref row's identity (its own uuid) never changes.
func (s *Store) UpdateRefSingle(ctx context.Context, refUUID, newAtomUUID, sourcePubKey string) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		ref, raw, ok, err := s.loadRef(ctx, refUUID)
		if err != nil {
			return err
		}
		var expected []byte
		if ok {
			expected = raw
			if ref.Type != RefSingle {
				return fmt.Errorf("ref %s is not a single ref", refUUID)
			}
		} else {
			ref = &AtomRef{UUID: refUUID, Type: RefSingle}
		}
		ref.Single = newAtomUUID
		ref.LastUpdaterKey = sourcePubKey

		next, err := json.Marshal(ref)
		if err != nil {
			return fmt.Errorf("marshal ref: %w", err)
		}
		if err := s.kv.CompareAndSwap(ctx, kv.TreeAtomRefs, refUUID, expected, next); err != nil {
			continue
		}
		s.publish(bus.Event{Type: bus.EventAtomRefUpdated, Payload: bus.AtomRefUpdatedPayload{
			RefUUID: refUUID, FieldPath: refUUID, Operation: "update", AtomUUID: newAtomUUID, SourceKey: sourcePubKey,
		}})
		return nil
	}
	return errs.ErrConflict
}

// EntryOp names the per-entry mutation applied to a Collection or
// Range ref.
type EntryOp string

const (
	OpAdd    EntryOp = "add"
	OpUpdate EntryOp = "update"
	OpDelete EntryOp = "delete"
)

// UpdateRefEntry atomically mutates one entry of a Collection or Range
// ref. key is the caller key (Collection) or the canonical range-key
// string (Range); duplicate logical keys collapse to one entry.
func (s *Store) UpdateRefEntry(ctx context.Context, refUUID string, refType RefType, key, newAtomUUID, sourcePubKey string, op EntryOp) error {
	if refType != RefCollection && refType != RefRange {
		return fmt.Errorf("UpdateRefEntry requires a collection or range ref")
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		ref, err := s.EnsureRef(ctx, refUUID, refType)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(ref)
		if err != nil {
			return fmt.Errorf("marshal ref: %w", err)
		}

		entries := ref.Collection
		if refType == RefRange {
			entries = ref.Range
		}
		if entries == nil {
			entries = map[string]string{}
		}
		next := make(map[string]string, len(entries)+1)
		for k, v := range entries {
			next[k] = v
		}
		switch op {
		case OpAdd, OpUpdate:
			next[key] = newAtomUUID
		case OpDelete:
			delete(next, key)
		default:
			return fmt.Errorf("unknown entry op: %s", op)
		}

		updated := &AtomRef{UUID: refUUID, Type: refType, LastUpdaterKey: sourcePubKey}
		if refType == RefCollection {
			updated.Collection = next
		} else {
			updated.Range = next
		}

		nextRaw, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("marshal ref: %w", err)
		}
		if err := s.kv.CompareAndSwap(ctx, kv.TreeAtomRefs, refUUID, raw, nextRaw); err != nil {
			continue
		}
		s.publish(bus.Event{Type: bus.EventAtomRefUpdated, Payload: bus.AtomRefUpdatedPayload{
			RefUUID: refUUID, FieldPath: refUUID + "/" + key, Operation: string(op), AtomUUID: newAtomUUID, SourceKey: sourcePubKey,
		}})
		return nil
	}
	return errs.ErrConflict
}

// ScanRange returns every (key, atom) entry of a Range ref whose key
// falls within [startKey, endKey] (either bound empty means unbounded),
// ordered by key.
func (s *Store) ScanRange(ctx context.Context, refUUID string, startKey, endKey string) ([]RangeEntry, error) {
	ref, err := s.GetRef(ctx, refUUID)
	if err != nil {
		return nil, err
	}
	if ref.Type != RefRange {
		return nil, fmt.Errorf("ref %s is not a range ref", refUUID)
	}

	keys := make([]string, 0, len(ref.Range))
	for k := range ref.Range {
		if startKey != "" && strings.Compare(k, startKey) < 0 {
			continue
		}
		if endKey != "" && strings.Compare(k, endKey) > 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]RangeEntry, 0, len(keys))
	for _, k := range keys {
		a, err := s.GetAtom(ctx, ref.Range[k])
		if err != nil {
			return nil, err
		}
		out = append(out, RangeEntry{Key: k, Atom: a})
	}
	return out, nil
}
