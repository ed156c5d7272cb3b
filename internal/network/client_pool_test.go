package network

import (
	"testing"

	quic "github.com/quic-go/quic-go"

	"nodemesh/internal/node"
)

func idWithByte(b byte) node.NodeID {
	var id node.NodeID
	id[0] = b
	return id
}

func TestConnPoolUpsertFirstInsertNoCollision(t *testing.T) {
	p := NewConnPool()
	self, peer := idWithByte(1), idWithByte(2)
	qc := &quic.Conn{}
	winner, superseded := p.Upsert(self, peer, Outbound, "1.2.3.4:9000", qc)
	if winner != qc || superseded != nil {
		t.Fatalf("expected clean insert, got winner=%p superseded=%p", winner, superseded)
	}
	got, ok := p.Get(peer)
	if !ok || got.QUIC != qc {
		t.Fatalf("expected cached conn for peer")
	}
}

func TestConnPoolUpsertGreaterNodeIDKeepsOutbound(t *testing.T) {
	p := NewConnPool()
	lesser, greater := idWithByte(1), idWithByte(2)

	// self is the greater NodeId; self's own outbound must survive a
	// colliding inbound from the lesser peer.
	outbound := &quic.Conn{}
	p.Upsert(greater, lesser, Outbound, "1.2.3.4:9000", outbound)

	inbound := &quic.Conn{}
	winner, superseded := p.Upsert(greater, lesser, Inbound, "1.2.3.4:9001", inbound)
	if winner != outbound {
		t.Fatalf("expected self's outbound to win since self has the greater NodeId")
	}
	if superseded != inbound {
		t.Fatalf("expected the colliding inbound connection to be superseded")
	}
}

func TestConnPoolUpsertLesserNodeIDYieldsToInbound(t *testing.T) {
	p := NewConnPool()
	lesser, greater := idWithByte(1), idWithByte(2)

	// self is the lesser NodeId; self's outbound must yield once the
	// peer's inbound connection arrives.
	outbound := &quic.Conn{}
	p.Upsert(lesser, greater, Outbound, "1.2.3.4:9000", outbound)

	inbound := &quic.Conn{}
	winner, superseded := p.Upsert(lesser, greater, Inbound, "1.2.3.4:9001", inbound)
	if winner != inbound {
		t.Fatalf("expected the peer's inbound to win since self has the lesser NodeId")
	}
	if superseded != outbound {
		t.Fatalf("expected self's outbound to be superseded")
	}
}

func TestConnPoolDropRemovesAddrIndex(t *testing.T) {
	p := NewConnPool()
	self, peer := idWithByte(1), idWithByte(2)
	qc := &quic.Conn{}
	p.Upsert(self, peer, Outbound, "1.2.3.4:9000", qc)

	if dropped := p.Drop(peer); dropped != qc {
		t.Fatalf("expected Drop to return the cached conn")
	}
	if _, ok := p.GetByAddr("1.2.3.4:9000"); ok {
		t.Fatalf("expected address index to be cleared on drop")
	}
	if _, ok := p.Get(peer); ok {
		t.Fatalf("expected node index to be cleared on drop")
	}
}
