package treescale

import (
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
)

// Peer is a live, fully-handshaken connection. The conn is written only by
// the owning worker (Owner is its pool index); other workers reach the peer
// by forwarding through that worker's channel.
type Peer struct {
	Token string
	Value *big.Int
	Owner int

	conn        net.Conn
	connectedAt int64
	lastSeen    atomic.Int64

	// wmu serializes frame writes to conn. Deliveries normally come from
	// the owning worker, but a forwarded delivery can land just after
	// ownership moved, so writes cannot rely on a single writer.
	wmu sync.Mutex
}

// touch refreshes the last-seen timestamp from the coarse clock.
func (p *Peer) touch() {
	p.lastSeen.Store(coarseNow.Load())
}

// PeerInfo is the admin-facing snapshot of a Peer.
type PeerInfo struct {
	Token       string `json:"token"`
	Value       string `json:"value"`
	Owner       int    `json:"owner"`
	RemoteAddr  string `json:"remote_addr"`
	ConnectedAt int64  `json:"connected_at"`
	LastSeen    int64  `json:"last_seen"`
}

// Registry maps peer tokens to live connections. Workers register peers on
// handoff and remove them when their read loop dies; the admin server and
// metrics read it. Pending (mid-handshake) connections never appear here.
type Registry struct {
	peers map[string]*Peer
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
	}
}

// Register inserts a peer. A peer re-handshaking under a token that is
// still registered displaces the old entry; the stale conn is closed here.
func (r *Registry) Register(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.peers[p.Token]; old != nil {
		slog.Info("peer reconnected, dropping stale connection", "token", p.Token)
		old.conn.Close()
	}
	r.peers[p.Token] = p
}

func (r *Registry) Lookup(token string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.peers[token]
}

// Remove deletes the peer only if it still maps to exactly p — a read loop
// reporting a dead connection must not evict the replacement a reconnect
// already registered. The conn is closed either way.
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.peers[p.Token] == p {
		delete(r.peers, p.Token)
	}
	p.conn.Close()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]string, 0, len(r.peers))
	for token := range r.peers {
		tokens = append(tokens, token)
	}
	return tokens
}

// Snapshot returns admin-facing copies of every live peer.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		infos = append(infos, PeerInfo{
			Token:       p.Token,
			Value:       p.Value.Text(10),
			Owner:       p.Owner,
			RemoteAddr:  p.conn.RemoteAddr().String(),
			ConnectedAt: p.connectedAt,
			LastSeen:    p.lastSeen.Load(),
		})
	}
	return infos
}

// RemoveAll closes and forgets every peer. Shutdown path.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, p := range r.peers {
		p.conn.Close()
		delete(r.peers, token)
	}
}
