package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold/internal/atomstore"
	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/errs"
	"github.com/datafold/datafold/internal/kv"
	"github.com/datafold/datafold/internal/schemaregistry"
)

func newTestResolver(t *testing.T) (*Resolver, *schemaregistry.Registry, *atomstore.Store) {
	t.Helper()
	store := kv.New()
	b := bus.New(16)
	schemas := schemaregistry.New(store, b)
	atoms := atomstore.New(store, b)
	return New(schemas, atoms), schemas, atoms
}

func approvedSchema(t *testing.T, schemas *schemaregistry.Registry, name string, fields map[string]schemaregistry.FieldSpec) {
	t.Helper()
	s := schemaregistry.NewStandardSchema(name)
	for field, spec := range fields {
		s.AddField(field, spec)
	}
	require.NoError(t, schemas.AddAvailable(context.Background(), s))
	require.NoError(t, schemas.Approve(context.Background(), name))
}

func TestResolve_RejectsUnapprovedSchema(t *testing.T) {
	ctx := context.Background()
	r, schemas, _ := newTestResolver(t)
	s := schemaregistry.NewStandardSchema("User")
	s.AddField("name", schemaregistry.FieldSpec{FieldType: schemaregistry.FieldSingle})
	require.NoError(t, schemas.AddAvailable(ctx, s))

	_, err := r.Resolve(ctx, "User", "name")
	require.Error(t, err)
	var notApproved *errs.SchemaNotApproved
	require.ErrorAs(t, err, &notApproved)
}

func TestResolve_SingleFieldRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, schemas, atoms := newTestResolver(t)
	approvedSchema(t, schemas, "User", map[string]schemaregistry.FieldSpec{
		"name": {FieldType: schemaregistry.FieldSingle},
	})

	h, err := r.Resolve(ctx, "User", "name")
	require.NoError(t, err)

	empty, err := h.Read(ctx)
	require.NoError(t, err)
	require.Nil(t, empty)

	atomUUID, err := atoms.CreateAtom(ctx, "User", "key1", "", map[string]interface{}{"name": "ada"}, atomstore.StatusActive)
	require.NoError(t, err)
	require.NoError(t, h.Write(ctx, atomUUID, "key1"))

	got, err := h.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, atomUUID, got.UUID)

	// second Resolve call returns the cached handle.
	h2, err := r.Resolve(ctx, "User", "name")
	require.NoError(t, err)
	require.Same(t, h, h2)
}

func TestResolve_RangeFieldRejectsBlankKey(t *testing.T) {
	ctx := context.Background()
	r, schemas, _ := newTestResolver(t)
	approvedSchema(t, schemas, "Event", map[string]schemaregistry.FieldSpec{
		"by_user": {FieldType: schemaregistry.FieldRange},
	})

	h, err := r.Resolve(ctx, "Event", "by_user")
	require.NoError(t, err)

	err = h.WriteKey(ctx, "   ", "atom-1", "key1", atomstore.OpAdd)
	require.Error(t, err)
	var invalid *errs.InvalidData
	require.ErrorAs(t, err, &invalid)
}

func TestResolve_CollectionFieldReadWrite(t *testing.T) {
	ctx := context.Background()
	r, schemas, atoms := newTestResolver(t)
	approvedSchema(t, schemas, "Team", map[string]schemaregistry.FieldSpec{
		"members": {FieldType: schemaregistry.FieldCollection},
	})

	h, err := r.Resolve(ctx, "Team", "members")
	require.NoError(t, err)

	atomUUID, err := atoms.CreateAtom(ctx, "Team", "key1", "", map[string]interface{}{"user": "ada"}, atomstore.StatusActive)
	require.NoError(t, err)
	require.NoError(t, h.WriteKey(ctx, "ada", atomUUID, "key1", atomstore.OpAdd))

	got, err := h.ReadKey(ctx, "ada")
	require.NoError(t, err)
	require.Equal(t, atomUUID, got.UUID)

	missing, err := h.ReadKey(ctx, "grace")
	require.NoError(t, err)
	require.Nil(t, missing)
}
