// internal/network/client_pool.go
package network

import (
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"nodemesh/internal/node"
)

// Direction records which side dialed a connection. It feeds the
// collision tie-break: "the greater NodeId retains its outbound
// connection; the loser's outbound is closed and its inbound adopted."
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// Conn is one entry of the connection cache: a QUIC session plus the
// verified identity and address it is bound to.
type Conn struct {
	QUIC        *quic.Conn
	NodeID      node.NodeID
	Addr        string
	Direction   Direction
	Established time.Time
}

type poolEntry struct {
	mu   sync.Mutex
	conn *Conn
}

// ConnPool is the connection cache: keyed by verified NodeId, with a
// secondary index from address to NodeId for pre-hello lookups on
// outbound sends to bootstrap addresses. Each entry has its own lock so
// connect/send operations on distinct peers never serialize on one global
// mutex.
type ConnPool struct {
	mu         sync.Mutex
	byNode     map[node.NodeID]*poolEntry
	addrToNode map[string]node.NodeID
}

func NewConnPool() *ConnPool {
	return &ConnPool{
		byNode:     make(map[node.NodeID]*poolEntry),
		addrToNode: make(map[string]node.NodeID),
	}
}

func (p *ConnPool) entryFor(id node.NodeID) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byNode[id]
	if !ok {
		e = &poolEntry{}
		p.byNode[id] = e
	}
	return e
}

// Get looks up an already-cached connection by verified NodeId.
func (p *ConnPool) Get(id node.NodeID) (*Conn, bool) {
	p.mu.Lock()
	e, ok := p.byNode[id]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn, e.conn != nil
}

// GetByAddr resolves a pre-hello address hint to a NodeId, then to its
// cached connection, if one already completed the handshake under that
// address.
func (p *ConnPool) GetByAddr(addr string) (*Conn, bool) {
	p.mu.Lock()
	id, ok := p.addrToNode[addr]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return p.Get(id)
}

// Upsert admits a newly-handshaked connection into the cache. If no
// connection for peerID exists yet, it is stored outright. On a
// concurrent-dial collision (a connection for peerID already exists under
// a different QUIC session), the tie is broken lexicographically on
// NodeId: the greater NodeId's outbound connection survives. The return
// value superseded is the losing connection the caller must close; it is
// nil when there was no collision.
func (p *ConnPool) Upsert(selfID, peerID node.NodeID, dir Direction, addr string, qc *quic.Conn) (winner *quic.Conn, superseded *quic.Conn) {
	e := p.entryFor(peerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		e.conn = &Conn{QUIC: qc, NodeID: peerID, Addr: addr, Direction: dir, Established: time.Now()}
		p.indexAddr(addr, peerID)
		return qc, nil
	}
	if e.conn.QUIC == qc {
		return qc, nil
	}

	selfIsGreater := peerID.Less(selfID)
	keepExisting := true
	switch {
	case e.conn.Direction == Outbound && dir == Inbound:
		keepExisting = selfIsGreater
	case e.conn.Direction == Inbound && dir == Outbound:
		keepExisting = !selfIsGreater
	}

	if keepExisting {
		return e.conn.QUIC, qc
	}
	old := e.conn.QUIC
	e.conn = &Conn{QUIC: qc, NodeID: peerID, Addr: addr, Direction: dir, Established: time.Now()}
	p.indexAddr(addr, peerID)
	return qc, old
}

func (p *ConnPool) indexAddr(addr string, id node.NodeID) {
	if addr == "" {
		return
	}
	p.mu.Lock()
	p.addrToNode[addr] = id
	p.mu.Unlock()
}

// Drop removes and returns the cached connection for id, if any, so the
// caller can close it. Used both for explicit TransportCommand::Drop and
// for staleness-sweep eviction.
func (p *ConnPool) Drop(id node.NodeID) *quic.Conn {
	e := p.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	qc := e.conn.QUIC
	addr := e.conn.Addr
	e.conn = nil
	if addr != "" {
		p.mu.Lock()
		if cur, ok := p.addrToNode[addr]; ok && cur == id {
			delete(p.addrToNode, addr)
		}
		p.mu.Unlock()
	}
	return qc
}

// DropIfCurrent removes the cached entry for id only if it still points
// at qc — used when a connection closes asynchronously and must not
// clobber a newer entry installed in the meantime.
func (p *ConnPool) DropIfCurrent(id node.NodeID, qc *quic.Conn) {
	e := p.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil || e.conn.QUIC != qc {
		return
	}
	addr := e.conn.Addr
	e.conn = nil
	if addr != "" {
		p.mu.Lock()
		if cur, ok := p.addrToNode[addr]; ok && cur == id {
			delete(p.addrToNode, addr)
		}
		p.mu.Unlock()
	}
}

// ConnectedIDs lists every NodeId currently holding a live connection.
// Used by the observer snapshot to report active verified connections
// rather than the full set of addresses the Engine has ever learned.
func (p *ConnPool) ConnectedIDs() []node.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]node.NodeID, 0, len(p.byNode))
	for id, e := range p.byNode {
		e.mu.Lock()
		if e.conn != nil {
			out = append(out, id)
		}
		e.mu.Unlock()
	}
	return out
}

// Len reports the number of distinct NodeIds currently holding a live
// connection (nil entries, left behind by Drop, don't count).
func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.byNode {
		e.mu.Lock()
		if e.conn != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}
