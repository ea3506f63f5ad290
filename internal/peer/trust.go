package peer

import (
	"crypto/ed25519"
	"sort"
	"sync"
)

// Info describes one known peer node: its identity and this node's trust
// in it. Distance is this node's configured trust distance to the peer;
// it is this node's own judgment, not negotiated with the peer.
type Info struct {
	NodeID    string
	PublicKey ed25519.PublicKey
	Address   string
	Distance  int
}

// DefaultUnknownDistance is the trust distance assumed for a public key
// this node has never registered as a peer — effectively infinite, so it
// satisfies no Distance(d) policy for any finite d. NewTrustGraph starts
// with this value; node construction overrides it from
// config.Node.DefaultTrustDistance.
const DefaultUnknownDistance = 999

// TrustGraph holds the set of peers this node knows about and trusts at
// some configurable distance; permission policies of kind Distance(d)
// compare against it.
type TrustGraph struct {
	mu              sync.RWMutex
	peers           map[string]*Info
	defaultDistance int
}

// NewTrustGraph creates an empty trust graph, defaulting unrecognized
// callers to DefaultUnknownDistance.
func NewTrustGraph() *TrustGraph {
	return &TrustGraph{peers: map[string]*Info{}, defaultDistance: DefaultUnknownDistance}
}

// SetDefaultDistance overrides the distance assumed for a caller whose
// public key matches no known peer.
func (g *TrustGraph) SetDefaultDistance(d int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultDistance = d
}

// AddPeer registers or updates a known peer.
func (g *TrustGraph) AddPeer(info Info) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := info
	g.peers[info.NodeID] = &cp
}

// RemovePeer forgets a peer.
func (g *TrustGraph) RemovePeer(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, nodeID)
}

// Peer returns the known Info for nodeID.
func (g *TrustGraph) Peer(nodeID string) (Info, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.peers[nodeID]
	if !ok {
		return Info{}, false
	}
	return *p, true
}

// DistanceOf returns the configured trust distance to a caller identified
// by their public key, or false if the key belongs to no known peer.
func (g *TrustGraph) DistanceOf(pubKey ed25519.PublicKey) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.peers {
		if p.PublicKey.Equal(pubKey) {
			return p.Distance, true
		}
	}
	return 0, false
}

// DistanceOfOrDefault returns the configured trust distance to a caller
// identified by their public key, or g's default distance if the key
// belongs to no known peer — the caller is then held to the strictest
// Distance(d) policies rather than silently granted trust distance 0.
func (g *TrustGraph) DistanceOfOrDefault(pubKey ed25519.PublicKey) int {
	if d, ok := g.DistanceOf(pubKey); ok {
		return d
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultDistance
}

// DiscoverNodes returns every known peer, sorted by node id.
func (g *TrustGraph) DiscoverNodes() []Info {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Info, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
