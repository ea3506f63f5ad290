package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold/internal/atomstore"
	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/engine"
	"github.com/datafold/datafold/internal/kv"
	"github.com/datafold/datafold/internal/resolver"
	"github.com/datafold/datafold/internal/schemaregistry"
)

func TestTransformCascade_SumOnChange(t *testing.T) {
	ctx := context.Background()
	store := kv.New()
	b := bus.New(64)
	schemas := schemaregistry.New(store, b)
	atoms := atomstore.New(store, b)
	res := resolver.New(schemas, atoms)
	eng := engine.New(schemas, res, b)

	s := schemaregistry.NewStandardSchema("Sum")
	open := schemaregistry.PermissionPolicy{Read: schemaregistry.NoRequirement(), Write: schemaregistry.NoRequirement()}
	s.AddField("a", schemaregistry.FieldSpec{FieldType: schemaregistry.FieldSingle, PermissionPolicy: open})
	s.AddField("b", schemaregistry.FieldSpec{FieldType: schemaregistry.FieldSingle, PermissionPolicy: open})
	s.AddField("total", schemaregistry.FieldSpec{FieldType: schemaregistry.FieldSingle, PermissionPolicy: open})
	require.NoError(t, schemas.AddAvailable(ctx, s))
	require.NoError(t, schemas.Approve(ctx, "Sum"))

	dag := NewDAG()
	require.NoError(t, dag.Register(&Transform{ID: "sum", Inputs: []string{"Sum.a", "Sum.b"}, Output: "Sum.total", Logic: "a+b"}))

	texec := New(dag, eng, b, WithWorkers(2))
	defer texec.Close()

	require.NoError(t, eng.Mutate(ctx, engine.Mutation{Schema: "Sum", Type: engine.MutationCreate, Fields: map[string]interface{}{"a": float64(2)}, Auth: engine.Auth{PubKey: "tester"}}))
	require.NoError(t, eng.Mutate(ctx, engine.Mutation{Schema: "Sum", Type: engine.MutationCreate, Fields: map[string]interface{}{"b": float64(3)}, Auth: engine.Auth{PubKey: "tester"}}))

	require.Eventually(t, func() bool {
		res, err := eng.Query(ctx, engine.Query{Schema: "Sum", Fields: []string{"total"}, Auth: engine.Auth{PubKey: "tester"}})
		if err != nil || len(res.Fields) == 0 {
			return false
		}
		v, ok := res.Fields[0].Value.(float64)
		return ok && v == 5
	}, time.Second, 5*time.Millisecond)

	stats := texec.StatsFor("sum")
	require.GreaterOrEqual(t, stats.Successes, 1)
}
