package peer

import (
	"testing"
	"time"

	"nodemesh/internal/node"
	"nodemesh/internal/proto"
)

func TestAcceptRejectsStaleAndTies(t *testing.T) {
	s := NewStore()
	var id node.NodeID
	id[0] = 1
	now := time.Now()

	if !s.Accept(id, proto.TelemetryPayload{TimestampMs: 10, Sequence: 1}, now) {
		t.Fatalf("expected first payload to be accepted")
	}
	if s.Accept(id, proto.TelemetryPayload{TimestampMs: 10, Sequence: 1}, now) {
		t.Fatalf("expected exact tie to be rejected")
	}
	if s.Accept(id, proto.TelemetryPayload{TimestampMs: 9, Sequence: 99}, now) {
		t.Fatalf("expected older timestamp to be rejected despite higher sequence")
	}
	if !s.Accept(id, proto.TelemetryPayload{TimestampMs: 10, Sequence: 2}, now) {
		t.Fatalf("expected higher sequence at same timestamp to be accepted")
	}
	rec, ok := s.Get(id)
	if !ok || rec.Payload.Sequence != 2 {
		t.Fatalf("expected stored record to reflect the latest accepted sequence, got %+v", rec)
	}
}

func TestSetAddrPreservedAcrossAccept(t *testing.T) {
	s := NewStore()
	var id node.NodeID
	id[0] = 2
	now := time.Now()
	s.Accept(id, proto.TelemetryPayload{TimestampMs: 1, Sequence: 1}, now)
	s.SetAddr(id, "127.0.0.1:9000")
	s.Accept(id, proto.TelemetryPayload{TimestampMs: 2, Sequence: 2}, now)
	addr, ok := s.AddrFor(id)
	if !ok || addr != "127.0.0.1:9000" {
		t.Fatalf("expected address to survive a later accepted payload, got %q ok=%v", addr, ok)
	}
}

func TestSweepPrunesStaleExcludingSelf(t *testing.T) {
	s := NewStore()
	var self, other node.NodeID
	self[0] = 1
	other[0] = 2
	base := time.Now()
	s.Accept(self, proto.TelemetryPayload{TimestampMs: 1}, base.Add(-time.Hour))
	s.Accept(other, proto.TelemetryPayload{TimestampMs: 1}, base.Add(-time.Hour))

	pruned := s.Sweep(time.Minute, base, self)
	if len(pruned) != 1 || pruned[0] != other {
		t.Fatalf("expected only %v pruned, got %v", other, pruned)
	}
	if _, ok := s.Get(self); !ok {
		t.Fatalf("self record must never be pruned by staleness sweep")
	}
	if _, ok := s.Get(other); ok {
		t.Fatalf("expected stale record to be removed")
	}
}
