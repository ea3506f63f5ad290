package peer

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold/internal/atomstore"
	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/engine"
	"github.com/datafold/datafold/internal/kv"
	"github.com/datafold/datafold/internal/resolver"
	"github.com/datafold/datafold/internal/schemaregistry"
)

func newNodeEngine(t *testing.T) (*engine.Engine, *bus.Bus) {
	t.Helper()
	store := kv.New()
	b := bus.New(16)
	schemas := schemaregistry.New(store, b)
	atoms := atomstore.New(store, b)
	res := resolver.New(schemas, atoms)
	eng := engine.New(schemas, res, b)

	s := schemaregistry.NewStandardSchema("user")
	open := schemaregistry.PermissionPolicy{Read: schemaregistry.NoRequirement(), Write: schemaregistry.NoRequirement()}
	s.AddField("username", schemaregistry.FieldSpec{FieldType: schemaregistry.FieldSingle, PermissionPolicy: open})
	require.NoError(t, schemas.AddAvailable(context.Background(), s))
	require.NoError(t, schemas.Approve(context.Background(), "user"))
	return eng, b
}

func TestCrossNodeQueryRemote(t *testing.T) {
	ctx := context.Background()

	nodeAID, err := NewIdentity("node-a")
	require.NoError(t, err)
	nodeBID, err := NewIdentity("node-b")
	require.NoError(t, err)

	engB, busB := newNodeEngine(t)
	require.NoError(t, engB.Mutate(ctx, engine.Mutation{Schema: "user", Type: engine.MutationCreate, Fields: map[string]interface{}{"username": "bob"}, Auth: engine.Auth{PubKey: "local"}}))

	trustB := NewTrustGraph()
	serverB := NewServer(nodeBID, trustB, engB, busB, slog.New(slog.NewTextHandler(io.Discard, nil)))
	httpServerB := httptest.NewServer(serverB)
	defer httpServerB.Close()

	trustA := NewTrustGraph()
	trustA.AddPeer(Info{NodeID: nodeBID.NodeID, PublicKey: nodeBID.PublicKey, Address: httpServerB.Listener.Addr().String(), Distance: 0})
	// Allow node B to recognize node A as a trusted caller (unused directly
	// here, but mirrors configuring reciprocal trust before forwarding).
	trustB.AddPeer(Info{NodeID: nodeAID.NodeID, PublicKey: nodeAID.PublicKey, Address: "node-a", Distance: 0})

	client := NewClient(nodeAID, trustA)

	discovered := trustA.DiscoverNodes()
	require.Len(t, discovered, 1)
	require.Equal(t, nodeBID.NodeID, discovered[0].NodeID)

	result, err := client.QueryRemote(ctx, nodeBID.NodeID, "user", []string{"username"}, nil)
	require.NoError(t, err)
	require.Len(t, result.Fields, 1)
	require.Equal(t, "username", result.Fields[0].Field)
	require.Equal(t, "bob", result.Fields[0].Value)
}
