package metrics

import (
	"testing"

	"nodemesh/internal/merr"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncVerified()
	m.IncVerified()
	m.IncRelayed()
	m.IncDropDuplicate()
	m.IncDropStale()
	m.IncRecvByType("gossip")
	m.IncRecvByType("gossip")
	m.IncRecvByType("hello")
	m.IncDropByReason(merr.Validation)
	m.SetCurrentConns(3)
	m.SetCurrentStreams(7)

	snap := m.Snapshot()
	if snap.Verified != 2 {
		t.Fatalf("expected verified=2, got %d", snap.Verified)
	}
	if snap.Relayed != 1 {
		t.Fatalf("expected relayed=1, got %d", snap.Relayed)
	}
	if snap.DropDuplicate != 1 || snap.DropStale != 1 {
		t.Fatalf("unexpected drop counts: %+v", snap)
	}
	if snap.RecvByType["gossip"] != 2 || snap.RecvByType["hello"] != 1 {
		t.Fatalf("unexpected recv_by_type: %+v", snap.RecvByType)
	}
	if snap.DropByReason["validation"] != 1 {
		t.Fatalf("expected drop_by_reason validation=1, got %+v", snap.DropByReason)
	}
	if snap.CurrentConns != 3 || snap.CurrentStreams != 7 {
		t.Fatalf("expected conns/streams 3/7, got %d/%d", snap.CurrentConns, snap.CurrentStreams)
	}
}

func TestWriteSnapshotNoopWithoutPath(t *testing.T) {
	m := New()
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
