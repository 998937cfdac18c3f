// Package membership tracks the known peer nodes a node runs
// anti-entropy rounds against (spec §4.9). Unlike a sharded store, every
// node here is a full replica — membership exists purely to pick which
// peer to reconcile with next, not to route keys to owners.
package membership

import (
	"sort"
	"sync"
)

// Peer is one known remote node.
type Peer struct {
	NodeID  string
	IsAlive bool
}

// Membership is a registry of known peers, safe for concurrent use.
type Membership struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	next  int // round-robin cursor over the sorted peer id list
}

// New creates an empty registry.
func New() *Membership {
	return &Membership{peers: make(map[string]*Peer)}
}

// Add registers a peer as alive. Re-adding an existing peer marks it
// alive again.
func (m *Membership) Add(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[nodeID]; ok {
		p.IsAlive = true
		return
	}
	m.peers[nodeID] = &Peer{NodeID: nodeID, IsAlive: true}
}

// MarkDown flags a peer as unreachable, excluding it from NextPeer
// selection until it is re-added or MarkUp.
func (m *Membership) MarkDown(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[nodeID]; ok {
		p.IsAlive = false
	}
}

func (m *Membership) MarkUp(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[nodeID]; ok {
		p.IsAlive = true
	}
}

// Remove deregisters a peer entirely (e.g. it left the cluster for good).
func (m *Membership) Remove(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, nodeID)
}

// AlivePeers returns the currently alive peer ids, sorted for
// deterministic test assertions.
func (m *Membership) AlivePeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.IsAlive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// NextPeer returns the next alive peer in round-robin order, so repeated
// anti-entropy rounds spread across the membership instead of hammering
// one node. Returns false if there are no alive peers.
func (m *Membership) NextPeer() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alive := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.IsAlive {
			alive = append(alive, id)
		}
	}
	if len(alive) == 0 {
		return "", false
	}
	sort.Strings(alive)

	m.next = m.next % len(alive)
	id := alive[m.next]
	m.next++
	return id, true
}
