// Package schemaregistry implements the schema lifecycle state machine and
// permission policy model (C4). The state machine shape is a tagged
// variant with explicit, rejected-by-default transitions: schema records
// keyed by name, synchronous persistence, event emission on change.
package schemaregistry

import "strconv"

// FieldType tags which AtomRef variant backs a field.
type FieldType string

const (
	FieldSingle     FieldType = "single"
	FieldCollection FieldType = "collection"
	FieldRange      FieldType = "range"
)

// PolicyKind selects how a read/write policy is evaluated.
type PolicyKind string

const (
	PolicyNoRequirement PolicyKind = "no_requirement"
	PolicyDistance      PolicyKind = "distance"
	PolicyExplicit      PolicyKind = "explicit"
)

// Policy is one of NoRequirement, Distance(d), or Explicit(set of public
// keys).
type Policy struct {
	Kind     PolicyKind `json:"kind"`
	Distance int        `json:"distance,omitempty"`
	Explicit []string   `json:"explicit,omitempty"`
}

// NoRequirement allows any authenticated caller.
func NoRequirement() Policy { return Policy{Kind: PolicyNoRequirement} }

// Distance allows callers whose trust distance to the node owner is <= d.
func Distance(d int) Policy { return Policy{Kind: PolicyDistance, Distance: d} }

// Explicit allows only callers whose public key is in keys.
func Explicit(keys ...string) Policy { return Policy{Kind: PolicyExplicit, Explicit: keys} }

func (p Policy) String() string {
	switch p.Kind {
	case PolicyDistance:
		return "Distance(" + strconv.Itoa(p.Distance) + ")"
	case PolicyExplicit:
		return "Explicit"
	default:
		return "NoRequirement"
	}
}

// PermissionPolicy pairs the read and write policies for one field.
type PermissionPolicy struct {
	Read  Policy `json:"read"`
	Write Policy `json:"write"`
}

// PaymentConfig is carried opaquely on schemas/fields. Its billing
// semantics belong to an external collaborator; the engine only stores
// and round-trips it.
type PaymentConfig map[string]interface{}

// FieldSpec describes one schema field's storage shape, access policy,
// optional payment config, and declarative field mappers (inter-field
// transforms that are not registered DAG transforms — see
// internal/transform for those).
type FieldSpec struct {
	FieldType        FieldType         `json:"field_type"`
	PermissionPolicy PermissionPolicy  `json:"permission_policy"`
	PaymentConfig    PaymentConfig     `json:"payment_config,omitempty"`
	FieldMappers     map[string]string `json:"field_mappers,omitempty"`
}

// SchemaKind distinguishes range schemas, which partition mutations and
// queries by a designated range key, from ordinary schemas.
type SchemaKind string

const (
	SchemaStandard SchemaKind = "standard"
	SchemaRange    SchemaKind = "range"
)

// Schema is the first-class, lifecycle-managed entity of the registry.
type Schema struct {
	Name          string               `json:"name"`
	PaymentConfig PaymentConfig        `json:"payment_config,omitempty"`
	Fields        map[string]FieldSpec `json:"fields"`
	Kind          SchemaKind           `json:"schema_type"`
	RangeKey      string               `json:"range_key,omitempty"`
}

// NewStandardSchema creates an empty standard (non-range) schema.
func NewStandardSchema(name string) *Schema {
	return &Schema{Name: name, Kind: SchemaStandard, Fields: map[string]FieldSpec{}}
}

// NewRangeSchema creates an empty range schema whose mutations/queries
// are partitioned by rangeKey.
func NewRangeSchema(name, rangeKey string) *Schema {
	return &Schema{Name: name, Kind: SchemaRange, RangeKey: rangeKey, Fields: map[string]FieldSpec{}}
}

// AddField attaches a field spec, mutating the schema in place.
func (s *Schema) AddField(name string, spec FieldSpec) {
	if s.Fields == nil {
		s.Fields = map[string]FieldSpec{}
	}
	s.Fields[name] = spec
}
