package daemon

import (
	"path/filepath"
	"testing"
	"time"

	"nodemesh/internal/metrics"
	"nodemesh/internal/network"
	"nodemesh/internal/node"
	"nodemesh/internal/proto"
	"nodemesh/internal/subscriber"
)

// newUnstartedTransport binds a real QUIC listener (so Engine's calls into
// Transport are against the genuine type) but never calls Run, so its
// command channel just absorbs Enqueue calls without dialing anything.
func newUnstartedTransport(t *testing.T, n *node.Node) *Transport {
	t.Helper()
	caDER, caKey, err := network.GenerateDevCA()
	if err != nil {
		t.Fatalf("GenerateDevCA: %v", err)
	}
	files, err := network.WriteDevTLSFiles(t.TempDir(), n.ID.String(), caDER, caKey)
	if err != nil {
		t.Fatalf("WriteDevTLSFiles: %v", err)
	}
	tr, err := NewTransport(n, "127.0.0.1:0", files, metrics.New())
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	return tr
}

func newTestEngine(t *testing.T) (*Engine, *node.Node) {
	t.Helper()
	self, err := node.New(filepath.Join(t.TempDir(), "identity"))
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	tr := newUnstartedTransport(t, self)
	bus := subscriber.NewBus()
	cfg := EngineConfig{
		GossipInterval: time.Minute,
		GossipFactor:   3,
		NodeTTL:        time.Hour,
		CommunityID:    1,
	}
	e := NewEngine(self, cfg, tr, tr.metrics, bus)
	bus.SetSnapshotFn(e.Snapshot)
	return e, self
}

func TestEngineTickEmitsSelfTelemetryAndFansOut(t *testing.T) {
	e, self := newTestEngine(t)

	peer := newTestNode(t)
	e.store.Accept(peer.ID, proto.TelemetryPayload{
		Originator:  peer.ID,
		TimestampMs: uint64(time.Now().UnixMilli()),
		CommunityID: e.cfg.CommunityID,
		Sequence:    1,
	}, time.Now())
	e.store.SetAddr(peer.ID, "127.0.0.1:9999")

	e.Tick(time.Now())

	rec, ok := e.store.Get(self.ID)
	if !ok {
		t.Fatalf("expected self record to be present after Tick")
	}
	// A freshly minted identity's counter starts at SequenceRestartMargin,
	// so the first tick stamps margin+1.
	if want := node.SequenceRestartMargin + 1; rec.Payload.Sequence != want {
		t.Fatalf("expected self sequence %d on first tick, got %d", want, rec.Payload.Sequence)
	}

	select {
	case cmd := <-e.transport.cmds:
		if cmd.Kind != SendToNode || cmd.NodeID != peer.ID {
			t.Fatalf("expected a SendToNode command to the known peer, got %+v", cmd)
		}
	default:
		t.Fatalf("expected Tick to have enqueued a fan-out command")
	}
}

func TestEngineInboundRejectsBadSignature(t *testing.T) {
	e, _ := newTestEngine(t)
	other := newTestNode(t)

	env := signedEnvelopeFrom(other, 1)
	env.Signature[0] ^= 0xFF // corrupt the signature

	e.Inbound(InboundMessage{VerifiedNodeID: other.ID, PeerAddr: "127.0.0.1:1", Envelope: env})

	if _, ok := e.store.Get(other.ID); ok {
		t.Fatalf("a payload with an invalid signature must never be committed")
	}
}

func TestEngineInboundRejectsFutureTimestamp(t *testing.T) {
	e, _ := newTestEngine(t)
	other := newTestNode(t)

	payload := proto.TelemetryPayload{
		Originator:  other.ID,
		TimestampMs: uint64(time.Now().Add(time.Hour).UnixMilli()),
		CommunityID: 1,
		Sequence:    1,
	}
	sig := other.Sign(proto.EncodeTelemetryPayload(payload))
	var env proto.SignedEnvelope
	env.Payload = payload
	copy(env.Signature[:], sig)

	e.Inbound(InboundMessage{VerifiedNodeID: other.ID, PeerAddr: "127.0.0.1:1", Envelope: env})

	if _, ok := e.store.Get(other.ID); ok {
		t.Fatalf("a payload stamped far in the future must be rejected, not committed")
	}
}

func TestEngineInboundSuppressesReplay(t *testing.T) {
	e, _ := newTestEngine(t)
	other := newTestNode(t)
	env := signedEnvelopeFrom(other, 1)

	e.Inbound(InboundMessage{VerifiedNodeID: other.ID, PeerAddr: "127.0.0.1:1", Envelope: env})
	rec, ok := e.store.Get(other.ID)
	if !ok {
		t.Fatalf("first delivery of a fresh envelope should be committed")
	}
	firstUpdated := rec.LastUpdated

	time.Sleep(time.Millisecond)
	e.Inbound(InboundMessage{VerifiedNodeID: other.ID, PeerAddr: "127.0.0.1:1", Envelope: env})

	rec2, _ := e.store.Get(other.ID)
	if !rec2.LastUpdated.Equal(firstUpdated) {
		t.Fatalf("a byte-identical replayed envelope must be dropped before the freshness check, not re-accepted")
	}
}

// TestEngineInboundDoesNotBindOriginatorToRelayAddr is the anti-poisoning
// check: a payload from A relayed through C must bind C's own address, and
// must never create (or alter) an address record for A.
func TestEngineInboundDoesNotBindOriginatorToRelayAddr(t *testing.T) {
	e, _ := newTestEngine(t)
	originator := newTestNode(t)
	relay := newTestNode(t)

	env := signedEnvelopeFrom(originator, 1)
	e.Inbound(InboundMessage{VerifiedNodeID: relay.ID, PeerAddr: "127.0.0.1:5555", Envelope: env})

	if _, ok := e.store.AddrFor(originator.ID); ok {
		t.Fatalf("originator's address must not be set from a relayed envelope")
	}
	// relay has no telemetry record of its own yet, so SetAddr is a no-op
	// for it too — this is the documented best-effort limit, not a bug.
	if _, ok := e.store.AddrFor(relay.ID); ok {
		t.Fatalf("relay has no record yet; SetAddr must no-op rather than create one")
	}
}

func TestEngineInboundBindsDeliveringPeerAddrWhenRecordExists(t *testing.T) {
	e, _ := newTestEngine(t)
	relay := newTestNode(t)

	// relay has already told us about itself once, directly.
	selfEnv := signedEnvelopeFrom(relay, 1)
	e.Inbound(InboundMessage{VerifiedNodeID: relay.ID, PeerAddr: "127.0.0.1:4444", Envelope: selfEnv})

	addr, ok := e.store.AddrFor(relay.ID)
	if !ok || addr != "127.0.0.1:4444" {
		t.Fatalf("expected relay's own address to be bound, got %q ok=%v", addr, ok)
	}
}

func TestEngineSweepPrunesStaleRecordsAndPublishesRemoval(t *testing.T) {
	e, self := newTestEngine(t)
	stale := newTestNode(t)
	e.store.Accept(self.ID, proto.TelemetryPayload{Originator: self.ID, TimestampMs: 1, Sequence: 1}, time.Now().Add(-2*time.Hour))
	e.store.Accept(stale.ID, proto.TelemetryPayload{Originator: stale.ID, TimestampMs: 1, Sequence: 1}, time.Now().Add(-2*time.Hour))

	events, cancel := e.bus.Subscribe()
	defer cancel()
	<-events // initial snapshot

	e.sweep(time.Now())

	if _, ok := e.store.Get(stale.ID); ok {
		t.Fatalf("expected stale record to be pruned")
	}
	if _, ok := e.store.Get(self.ID); !ok {
		t.Fatalf("self record must never be pruned by sweep")
	}

	select {
	case ev := <-events:
		if ev.Delta == nil || len(ev.Delta.Removed) != 1 || ev.Delta.Removed[0] != stale.ID {
			t.Fatalf("expected a Removed delta naming the stale node, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for removal delta")
	}
}
