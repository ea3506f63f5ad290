// Package bus implements the single-process typed publish/subscribe bus
// (C2). Event type identifiers are stable strings shared across every
// subsystem that publishes or subscribes to them. The bus carries
// notifications only: it has no request/response correlator and no
// correlation-id matching or timeout.
package bus

import "time"

// EventType is a stable string identifier for one kind of event.
type EventType string

// Notification event types, one per subsystem emit point.
const (
	EventFieldValueSet        EventType = "FieldValueSet"
	EventAtomCreated          EventType = "AtomCreated"
	EventAtomRefUpdated       EventType = "AtomRefUpdated"
	EventSchemaLoaded         EventType = "SchemaLoaded"
	EventSchemaChanged        EventType = "SchemaChanged"
	EventTransformTriggered   EventType = "TransformTriggered"
	EventTransformExecuted    EventType = "TransformExecuted"
	EventQueryExecuted        EventType = "QueryExecuted"
	EventMutationExecuted     EventType = "MutationExecuted"
	EventAuthFailure          EventType = "AuthFailure"
	EventPermissionDenied     EventType = "PermissionDenied"
	EventRemoteQueryDecision  EventType = "RemoteQueryDecision"
	EventRemoteMutateDecision EventType = "RemoteMutateDecision"
)

// Event is one published message. Payload is subsystem-defined; consumers
// type-assert it against the concrete struct for EventType.
type Event struct {
	Type      EventType
	Payload   interface{}
	Publisher string
	Timestamp time.Time
}

// FieldValueSetPayload accompanies EventFieldValueSet.
type FieldValueSetPayload struct {
	Schema   string
	Field    string
	RangeKey string
	AtomUUID string
	SourceKey string
}

// AtomCreatedPayload accompanies EventAtomCreated.
type AtomCreatedPayload struct {
	AtomUUID string
	Schema   string
	SourceKey string
}

// AtomRefUpdatedPayload accompanies EventAtomRefUpdated.
type AtomRefUpdatedPayload struct {
	RefUUID   string
	FieldPath string
	Operation string // "update", "add", "delete"
	AtomUUID  string
	SourceKey string
}

// SchemaLoadedPayload accompanies EventSchemaLoaded.
type SchemaLoadedPayload struct {
	Schema string
	Status string
}

// SchemaChangedPayload accompanies EventSchemaChanged.
type SchemaChangedPayload struct {
	Schema string
	From   string
	To     string
}

// TransformTriggeredPayload accompanies EventTransformTriggered.
type TransformTriggeredPayload struct {
	TransformID string
}

// TransformExecutedPayload accompanies EventTransformExecuted.
type TransformExecutedPayload struct {
	TransformID string
	Result      string // "success" | "failed"
	Duration    time.Duration
	Error       string
}

// QueryExecutedPayload accompanies EventQueryExecuted.
type QueryExecutedPayload struct {
	Schema      string
	QueryType   string
	Duration    time.Duration
	Cardinality int
}

// MutationExecutedPayload accompanies EventMutationExecuted.
type MutationExecutedPayload struct {
	Schema     string
	Mutation   string
	Duration   time.Duration
	FieldCount int
}

// PermissionDeniedPayload accompanies EventPermissionDenied, emitted by
// the query/mutation engine the moment a field's policy rejects a caller.
type PermissionDeniedPayload struct {
	Schema string
	Field  string
	Access string
	PubKey string
	Reason string
}

// AuthFailurePayload accompanies EventAuthFailure, emitted when a remote
// envelope fails signature verification or replay-protection checks.
type AuthFailurePayload struct {
	RemoteAddr string
	Reason     string
}

// RemoteDecisionPayload accompanies EventRemoteQueryDecision and
// EventRemoteMutateDecision, recording whether a remote caller's request
// was allowed.
type RemoteDecisionPayload struct {
	Schema  string
	PubKey  string
	Allowed bool
	Error   string
}
