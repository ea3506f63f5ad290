// Package engine implements the query/mutation engine (C6): the
// authorize-then-execute path every external request and every transform
// write passes through — validate, check permissions, persist, publish.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/datafold/datafold/internal/atomstore"
	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/errs"
	"github.com/datafold/datafold/internal/resolver"
	"github.com/datafold/datafold/internal/schemaregistry"
)

// Auth carries the caller identity used for every permission check.
type Auth struct {
	PubKey        string
	TrustDistance int
}

// Filter narrows a Query. RangeFilter holds exactly one entry, keyed by
// the schema's range_key, when querying a Range schema.
type Filter struct {
	RangeFilter map[string]string
}

// Query is one read request.
type Query struct {
	Schema string
	Fields []string
	Filter *Filter
	Auth   Auth
}

// FieldResult is one (field, value) pair returned for a non-range schema.
type FieldResult struct {
	Field string
	Value interface{}
}

// QueryResult holds either a flat field list (non-range schemas) or a
// grouped-by-range-key object (range schemas); exactly one is populated.
type QueryResult struct {
	Fields  []FieldResult
	Grouped map[string]map[string]interface{}
}

// MutationType names one of the six mutation shapes the engine supports.
type MutationType string

const (
	MutationCreate                 MutationType = "Create"
	MutationUpdate                 MutationType = "Update"
	MutationDelete                 MutationType = "Delete"
	MutationAddToCollection        MutationType = "AddToCollection"
	MutationUpdateToCollection     MutationType = "UpdateToCollection"
	MutationDeleteFromCollection   MutationType = "DeleteFromCollection"
)

// Mutation is one write request. For a Range schema, Fields must include
// an entry named for the schema's range_key holding the (flat) key value;
// every other field's value is wrapped as map[string]interface{}{key:
// content} addressing that same range-key entry.
type Mutation struct {
	Schema string
	Type   MutationType
	Fields map[string]interface{}
	Auth   Auth
}

// Engine executes queries and mutations against a schema registry and
// field resolver, publishing an event for each query and mutation.
type Engine struct {
	schemas  *schemaregistry.Registry
	resolver *resolver.Resolver
	bus      *bus.Bus
}

// New creates an Engine.
func New(schemas *schemaregistry.Registry, res *resolver.Resolver, eventBus *bus.Bus) *Engine {
	return &Engine{schemas: schemas, resolver: res, bus: eventBus}
}

func (e *Engine) publish(ev bus.Event) {
	if e.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.Publisher = "engine"
	e.bus.Publish(ev)
}

// Query runs q, enforcing read permissions per requested field and
// grouping results by range key for Range schemas.
func (e *Engine) Query(ctx context.Context, q Query) (*QueryResult, error) {
	start := time.Now()
	schema, err := e.schemas.RequireApproved(ctx, q.Schema)
	if err != nil {
		return nil, err
	}

	for _, field := range q.Fields {
		spec, ok := schema.Fields[field]
		if !ok {
			return nil, &errs.InvalidData{Reason: fmt.Sprintf("schema %s has no field %q", q.Schema, field)}
		}
		if err := schemaregistry.CheckPolicy(spec.PermissionPolicy, schemaregistry.AccessRead, q.Auth.PubKey, q.Auth.TrustDistance, field); err != nil {
			e.publish(bus.Event{Type: bus.EventPermissionDenied, Payload: bus.PermissionDeniedPayload{
				Schema: q.Schema, Field: field, Access: string(schemaregistry.AccessRead), PubKey: q.Auth.PubKey, Reason: err.Error(),
			}})
			return nil, err
		}
	}

	var result *QueryResult
	if schema.Kind == schemaregistry.SchemaRange {
		result, err = e.queryRange(ctx, schema, q)
	} else {
		result, err = e.queryFlat(ctx, schema, q)
	}
	if err != nil {
		return nil, err
	}

	e.publish(bus.Event{Type: bus.EventQueryExecuted, Payload: bus.QueryExecutedPayload{
		Schema: q.Schema, QueryType: string(schema.Kind), Duration: time.Since(start), Cardinality: resultCardinality(result),
	}})
	return result, nil
}

func resultCardinality(r *QueryResult) int {
	if r == nil {
		return 0
	}
	if r.Grouped != nil {
		n := 0
		for _, fields := range r.Grouped {
			n += len(fields)
		}
		return n
	}
	return len(r.Fields)
}

func (e *Engine) queryFlat(ctx context.Context, schema *schemaregistry.Schema, q Query) (*QueryResult, error) {
	out := &QueryResult{}
	for _, field := range q.Fields {
		h, err := e.resolver.Resolve(ctx, q.Schema, field)
		if err != nil {
			return nil, err
		}
		a, err := h.Read(ctx)
		if err != nil {
			return nil, err
		}
		if a == nil {
			continue
		}
		out.Fields = append(out.Fields, FieldResult{Field: field, Value: a.Content})
	}
	return out, nil
}

func (e *Engine) queryRange(ctx context.Context, schema *schemaregistry.Schema, q Query) (*QueryResult, error) {
	if q.Filter == nil || q.Filter.RangeFilter == nil {
		return nil, &errs.InvalidData{Reason: fmt.Sprintf("range schema %s requires filter.range_filter.%s", q.Schema, schema.RangeKey)}
	}
	rangeValue, ok := q.Filter.RangeFilter[schema.RangeKey]
	if !ok {
		return nil, &errs.InvalidData{Reason: fmt.Sprintf("range filter must key on %q", schema.RangeKey)}
	}

	grouped := map[string]interface{}{}
	for _, field := range q.Fields {
		h, err := e.resolver.Resolve(ctx, q.Schema, field)
		if err != nil {
			return nil, err
		}
		a, err := h.ReadKey(ctx, rangeValue)
		if err != nil {
			return nil, err
		}
		if a == nil {
			continue
		}
		grouped[field] = a.Content
	}

	out := &QueryResult{Grouped: map[string]map[string]interface{}{}}
	if len(grouped) > 0 {
		body := make(map[string]interface{}, len(grouped))
		for k, v := range grouped {
			body[k] = v
		}
		out.Grouped[rangeValue] = body
	}
	return out, nil
}

// Mutate applies m, performing every write's permission check before any
// atom is created (atomic-abort-on-failure), then writing each field in
// turn.
func (e *Engine) Mutate(ctx context.Context, m Mutation) error {
	start := time.Now()
	schema, err := e.schemas.RequireApproved(ctx, m.Schema)
	if err != nil {
		return err
	}

	var rangeValue string
	if schema.Kind == schemaregistry.SchemaRange {
		raw, ok := m.Fields[schema.RangeKey]
		if !ok {
			return &errs.InvalidData{Reason: fmt.Sprintf("mutation on range schema %s missing range key %q", m.Schema, schema.RangeKey)}
		}
		s, ok := raw.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return &errs.InvalidData{Reason: fmt.Sprintf("range key %q must be a non-blank string", schema.RangeKey)}
		}
		rangeValue = strings.TrimSpace(s)
	}

	writes := make([]fieldWrite, 0, len(m.Fields))
	for field, value := range m.Fields {
		if field == schema.RangeKey {
			continue
		}
		spec, ok := schema.Fields[field]
		if !ok {
			return &errs.InvalidData{Reason: fmt.Sprintf("schema %s has no field %q", m.Schema, field)}
		}
		if err := schemaregistry.CheckPolicy(spec.PermissionPolicy, schemaregistry.AccessWrite, m.Auth.PubKey, m.Auth.TrustDistance, field); err != nil {
			e.publish(bus.Event{Type: bus.EventPermissionDenied, Payload: bus.PermissionDeniedPayload{
				Schema: m.Schema, Field: field, Access: string(schemaregistry.AccessWrite), PubKey: m.Auth.PubKey, Reason: err.Error(),
			}})
			return err
		}

		content := value
		if schema.Kind == schemaregistry.SchemaRange {
			wrapper, ok := value.(map[string]interface{})
			if !ok {
				return &errs.InvalidData{Reason: fmt.Sprintf("field %s must be wrapped as {%s: value} on a range schema", field, schema.RangeKey)}
			}
			inner, ok := wrapper[rangeValue]
			if !ok {
				return &errs.InvalidData{Reason: fmt.Sprintf("field %s missing entry for range key %q", field, rangeValue)}
			}
			content = inner
		}

		writes = append(writes, fieldWrite{field: field, fieldType: spec.FieldType, content: content})
	}

	for _, w := range writes {
		if err := e.writeField(ctx, m, schema, w, rangeValue); err != nil {
			return err
		}
		e.publish(bus.Event{Type: bus.EventFieldValueSet, Payload: bus.FieldValueSetPayload{
			Schema: m.Schema, Field: w.field, RangeKey: rangeValue, SourceKey: m.Auth.PubKey,
		}})
	}

	e.publish(bus.Event{Type: bus.EventMutationExecuted, Payload: bus.MutationExecutedPayload{
		Schema: m.Schema, Mutation: string(m.Type), Duration: time.Since(start), FieldCount: len(writes),
	}})
	return nil
}

type fieldWrite struct {
	field     string
	fieldType schemaregistry.FieldType
	content   interface{}
}

func (e *Engine) writeField(ctx context.Context, m Mutation, schema *schemaregistry.Schema, w fieldWrite, rangeValue string) error {
	h, err := e.resolver.Resolve(ctx, m.Schema, w.field)
	if err != nil {
		return err
	}

	if w.fieldType == schemaregistry.FieldSingle {
		status := atomstore.StatusActive
		content := w.content
		if m.Type == MutationDelete {
			status = atomstore.StatusDeleted
			content = nil
		}
		atomUUID, err := e.createAtomWithRetry(ctx, m.Schema, m.Auth.PubKey, content, status)
		if err != nil {
			return err
		}
		return h.Write(ctx, atomUUID, m.Auth.PubKey)
	}

	key := rangeValue
	if w.fieldType == schemaregistry.FieldCollection {
		wrapper, ok := w.content.(map[string]interface{})
		if !ok || len(wrapper) != 1 {
			return &errs.InvalidData{Reason: fmt.Sprintf("collection field %s requires a single {key: value} entry", w.field)}
		}
		for k, v := range wrapper {
			key = k
			w.content = v
		}
	}

	op := mutationOp(m.Type)
	if op == "" {
		return &errs.InvalidData{Reason: fmt.Sprintf("mutation type %s does not apply to field %s", m.Type, w.field)}
	}

	var atomUUID string
	if op != atomstore.OpDelete {
		var err error
		atomUUID, err = e.createAtomWithRetry(ctx, m.Schema, m.Auth.PubKey, w.content, atomstore.StatusActive)
		if err != nil {
			return err
		}
	}
	return h.WriteKey(ctx, key, atomUUID, m.Auth.PubKey, op)
}

func mutationOp(t MutationType) atomstore.EntryOp {
	switch t {
	case MutationCreate, MutationAddToCollection:
		return atomstore.OpAdd
	case MutationUpdate, MutationUpdateToCollection:
		return atomstore.OpUpdate
	case MutationDelete, MutationDeleteFromCollection:
		return atomstore.OpDelete
	default:
		return ""
	}
}

// createAtomWithRetry retries once, after a small jittered backoff, on a
// storage error; CAS conflicts are retried independently and bounded
// inside the atom store.
func (e *Engine) createAtomWithRetry(ctx context.Context, schema, pubKey string, content interface{}, status atomstore.Status) (string, error) {
	atoms := e.resolver.Atoms()
	atomUUID, err := atoms.CreateAtom(ctx, schema, pubKey, "", content, status)
	if err == nil {
		return atomUUID, nil
	}
	var storageErr *errs.StorageError
	if !errors.As(err, &storageErr) {
		return "", err
	}
	time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	return atoms.CreateAtom(ctx, schema, pubKey, "", content, status)
}
