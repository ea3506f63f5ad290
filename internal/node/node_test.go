package node

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datafold/datafold/internal/config"
	"github.com/datafold/datafold/internal/engine"
	"github.com/datafold/datafold/internal/schemaregistry"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Network.ListenAddress = "127.0.0.1:0"
	cfg.Audit.Enabled = false

	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, n.Close()) })
	return n
}

func TestNode_WiresQueryAndMutate(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	s := schemaregistry.NewStandardSchema("widget")
	open := schemaregistry.PermissionPolicy{Read: schemaregistry.NoRequirement(), Write: schemaregistry.NoRequirement()}
	s.AddField("name", schemaregistry.FieldSpec{FieldType: schemaregistry.FieldSingle, PermissionPolicy: open})
	require.NoError(t, n.Schemas.AddAvailable(ctx, s))
	require.NoError(t, n.Schemas.Approve(ctx, "widget"))

	require.NoError(t, n.Engine.Mutate(ctx, engine.Mutation{
		Schema: "widget", Type: engine.MutationCreate,
		Fields: map[string]interface{}{"name": "gear"},
		Auth:   engine.Auth{PubKey: n.Identity.NodeID},
	}))

	result, err := n.Engine.Query(ctx, engine.Query{
		Schema: "widget", Fields: []string{"name"},
		Auth: engine.Auth{PubKey: n.Identity.NodeID},
	})
	require.NoError(t, err)
	require.Len(t, result.Fields, 1)
	require.Equal(t, "gear", result.Fields[0].Value)
}

func TestNode_SeedsTrustedPeersFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Network.ListenAddress = "127.0.0.1:0"
	cfg.Audit.Enabled = false

	seed, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, seed.Close()) })

	cfg.Security.TrustedPeers = []config.TrustedPeer{{
		NodeID:   seed.Identity.NodeID,
		PubKey:   hex.EncodeToString(seed.Identity.PublicKey),
		Address:  "127.0.0.1:9999",
		Distance: 2,
	}}

	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, n.Close()) })

	d, ok := n.Trust.DistanceOf(seed.Identity.PublicKey)
	require.True(t, ok)
	require.Equal(t, 2, d)
}
