package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	id, err := NewIdentity("127.0.0.1:0")
	require.NoError(t, err)

	env, err := Sign(id, OpQuery, QueryPayload{Schema: "User", Fields: []string{"username"}})
	require.NoError(t, err)
	require.NoError(t, env.Verify())

	env.Signature[0] ^= 0xFF
	require.Error(t, env.Verify())
}

func TestNonceCache_RejectsReplay(t *testing.T) {
	c := NewNonceCache()
	require.NoError(t, c.Check("abc", time.Now().Unix()))
	require.Error(t, c.Check("abc", time.Now().Unix()))
}

func TestNonceCache_RejectsStaleTimestamp(t *testing.T) {
	c := NewNonceCache()
	err := c.Check("xyz", time.Now().Add(-400*time.Second).Unix())
	require.Error(t, err)
}

func TestTrustGraph_DiscoverAndDistance(t *testing.T) {
	g := NewTrustGraph()
	id, err := NewIdentity("10.0.0.2:9000")
	require.NoError(t, err)
	g.AddPeer(Info{NodeID: id.NodeID, PublicKey: id.PublicKey, Address: id.Address, Distance: 1})

	nodes := g.DiscoverNodes()
	require.Len(t, nodes, 1)
	require.Equal(t, id.NodeID, nodes[0].NodeID)

	d, ok := g.DistanceOf(id.PublicKey)
	require.True(t, ok)
	require.Equal(t, 1, d)
}
