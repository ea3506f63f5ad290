package schemaregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/errs"
	"github.com/datafold/datafold/internal/kv"
)

func newTestRegistry() *Registry {
	return New(kv.New(), bus.New(16))
}

func TestLifecycle_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	s := NewStandardSchema("User")
	s.AddField("name", FieldSpec{FieldType: FieldSingle, PermissionPolicy: PermissionPolicy{Read: NoRequirement(), Write: NoRequirement()}})
	require.NoError(t, r.AddAvailable(ctx, s))

	_, err := r.RequireApproved(ctx, "User")
	require.Error(t, err)
	var notApproved *errs.SchemaNotApproved
	require.ErrorAs(t, err, &notApproved)

	require.NoError(t, r.Approve(ctx, "User"))
	got, err := r.RequireApproved(ctx, "User")
	require.NoError(t, err)
	require.Equal(t, "User", got.Name)

	require.NoError(t, r.Block(ctx, "User"))
	_, err = r.RequireApproved(ctx, "User")
	require.Error(t, err)

	require.NoError(t, r.Approve(ctx, "User")) // Blocked -> Approved via allow/approve
	_, err = r.RequireApproved(ctx, "User")
	require.NoError(t, err)
}

func TestUndefinedTransitionRejected(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	s := NewStandardSchema("User")
	require.NoError(t, r.AddAvailable(ctx, s))

	err := r.Unload(ctx, "User") // Available has no unload edge
	require.Error(t, err)
	var undefined *ErrUndefinedTransition
	require.ErrorAs(t, err, &undefined)
}

func TestHashSchemasDetectsTampering(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	s := NewStandardSchema("User")
	require.NoError(t, r.AddAvailable(ctx, s))

	tampered, err := r.HashSchemas(ctx)
	require.NoError(t, err)
	require.Empty(t, tampered)

	e, err := r.Get(ctx, "User")
	require.NoError(t, err)
	e.Hash = "deadbeef"
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, r.kv.Put(ctx, kv.TreeSchemas, "User", raw))

	tampered, err = r.HashSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, tampered, 1)
	require.Equal(t, "User", tampered[0].Name)
}

func TestCheckPolicy(t *testing.T) {
	pol := PermissionPolicy{Read: Distance(0), Write: Explicit("owner-key")}

	require.NoError(t, CheckPolicy(pol, AccessRead, "anyone", 0, "secret"))

	err := CheckPolicy(pol, AccessRead, "anyone", 1, "secret")
	require.Error(t, err)
	var denied *errs.PermissionDenied
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "secret", denied.Field)

	require.NoError(t, CheckPolicy(pol, AccessWrite, "owner-key", 99, "secret"))
	require.Error(t, CheckPolicy(pol, AccessWrite, "stranger", 0, "secret"))
}
