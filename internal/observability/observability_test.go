package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold/internal/bus"
)

func TestMonitor_AggregatesTransformOutcomes(t *testing.T) {
	b := bus.New(16)
	m := New(b)
	defer m.Close()

	b.Publish(bus.Event{Type: bus.EventTransformExecuted, Payload: bus.TransformExecutedPayload{TransformID: "sum", Result: "success", Duration: time.Millisecond}})
	b.Publish(bus.Event{Type: bus.EventTransformExecuted, Payload: bus.TransformExecutedPayload{TransformID: "sum", Result: "failed", Duration: time.Millisecond}})
	b.Publish(bus.Event{Type: bus.EventQueryExecuted, Payload: bus.QueryExecutedPayload{Schema: "Sum", Duration: time.Millisecond, Cardinality: 1}})

	require.Eventually(t, func() bool {
		stats := m.GetStatistics()
		return stats.TransformSuccesses == 1 && stats.TransformFailures == 1 && stats.QueriesExecuted == 1
	}, time.Second, 5*time.Millisecond)
}
