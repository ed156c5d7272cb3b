// internal/daemon/engine.go
package daemon

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"nodemesh/internal/crypto"
	"nodemesh/internal/debuglog"
	"nodemesh/internal/merr"
	"nodemesh/internal/metrics"
	"nodemesh/internal/node"
	"nodemesh/internal/peer"
	"nodemesh/internal/proto"
	"nodemesh/internal/subscriber"
)

// maxClockSkew is MAX_CLOCK_SKEW_MS: the mitigation for future-timestamp
// freeze attacks (scenario S2).
const maxClockSkew = 5 * time.Minute

// seenCacheCapacity and seenCacheTTL size the replay-suppression set to
// cover an expected message rate times network diameter times a safety
// factor, per the design notes on the dedup cache.
const (
	seenCacheCapacity = 65536
	seenCacheTTL      = 10 * time.Minute
)

// EngineConfig carries the Tick-time parameters the Engine needs that
// come from startup configuration rather than from peer state.
type EngineConfig struct {
	GossipInterval time.Duration
	GossipFactor   int
	NodeTTL        time.Duration
	CommunityID    uint32
	BootstrapPeers []string
	MetricsPath    string // empty disables the periodic metrics snapshot
}

// metricsWriteEvery bounds how often Tick writes a metrics snapshot to
// disk, independent of GossipInterval — a fast gossip cadence shouldn't
// turn into a disk-write-every-tick cadence too.
const metricsWriteEvery = 5 * time.Second

// Engine owns the authoritative local view of the mesh: known peers, the
// replay cache, and the cadence that drives both self-telemetry emission
// and fan-out.
type Engine struct {
	self      *node.Node
	cfg       EngineConfig
	transport *Transport
	store     *peer.Store
	seen      *seenCache
	metrics   *metrics.Metrics
	bus       *subscriber.Bus

	learnedBootstrap map[string]struct{}
	lastMetricsWrite time.Time
}

func NewEngine(self *node.Node, cfg EngineConfig, t *Transport, m *metrics.Metrics, bus *subscriber.Bus) *Engine {
	return &Engine{
		self:             self,
		cfg:              cfg,
		transport:        t,
		store:            peer.NewStore(),
		seen:             newSeenCache(seenCacheCapacity, seenCacheTTL),
		metrics:          m,
		bus:              bus,
		learnedBootstrap: make(map[string]struct{}),
	}
}

// Run drives the Tick timer and the Inbound dispatch loop until ctx is
// canceled. It returns once both have drained.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(time.Now())
		case msg, ok := <-e.transport.Inbox():
			if !ok {
				return
			}
			e.Inbound(msg)
		}
	}
}

// Tick is step 4.1: self-telemetry, proactive fan-out including
// not-yet-learned bootstrap addresses, and the staleness sweep.
func (e *Engine) Tick(now time.Time) {
	seq, err := e.self.Seq.Next()
	if err != nil {
		debuglog.Debugf("engine: sequence persistence failed, skipping self-telemetry this tick: %v", err)
		e.sweep(now)
		return
	}
	payload := proto.TelemetryPayload{
		Originator:  e.self.ID,
		TimestampMs: uint64(now.UnixMilli()),
		Value:       sampleValue(),
		CommunityID: e.cfg.CommunityID,
		Sequence:    seq,
	}
	sig := e.self.Sign(proto.EncodeTelemetryPayload(payload))
	var env proto.SignedEnvelope
	env.Payload = payload
	copy(env.Signature[:], sig)

	e.store.Accept(e.self.ID, payload, now)
	e.bus.Publish(subscriber.Delta{Updated: []node.NodeID{e.self.ID}})

	exclude := map[node.NodeID]struct{}{}
	e.fanOut(env, exclude)
	e.dialUnlearnedBootstrap(env)
	e.sweep(now)
	e.writeMetricsSnapshot(now)
}

// writeMetricsSnapshot persists counters at most once per metricsWriteEvery.
// A no-op when MetricsPath is unset, so a node that doesn't want a metrics
// file pays nothing for this per tick beyond the time comparison.
func (e *Engine) writeMetricsSnapshot(now time.Time) {
	if e.cfg.MetricsPath == "" || e.metrics == nil {
		return
	}
	if now.Sub(e.lastMetricsWrite) < metricsWriteEvery {
		return
	}
	e.lastMetricsWrite = now
	if err := e.metrics.WriteSnapshot(e.cfg.MetricsPath); err != nil {
		debuglog.Debugf("engine: write metrics snapshot: %v", err)
	}
}

func (e *Engine) markBootstrapLearned(addr string) {
	if _, known := e.learnedBootstrap[addr]; known {
		return
	}
	for _, b := range e.cfg.BootstrapPeers {
		if b == addr {
			e.learnedBootstrap[addr] = struct{}{}
			return
		}
	}
}

func (e *Engine) dialUnlearnedBootstrap(env proto.SignedEnvelope) {
	for _, addr := range e.cfg.BootstrapPeers {
		if _, learned := e.learnedBootstrap[addr]; learned {
			continue
		}
		if !e.transport.Enqueue(Command{Kind: SendToAddr, Addr: addr, Envelope: env}) {
			e.countBackpressure()
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	pruned := e.store.Sweep(e.cfg.NodeTTL, now, e.self.ID)
	for _, id := range pruned {
		if !e.transport.Enqueue(Command{Kind: DropConn, NodeID: id}) {
			e.countBackpressure()
		}
		e.bus.Publish(subscriber.Delta{Removed: []node.NodeID{id}})
	}
}

// Inbound is the 7-step ordered inbound handling from 4.1.
func (e *Engine) Inbound(msg InboundMessage) {
	now := time.Now()
	env := msg.Envelope

	digest := sha3For(proto.EncodeSignedEnvelope(env))
	if e.seen.SeenAndAdd(digest, now) {
		if e.metrics != nil {
			e.metrics.IncDropDuplicate()
		}
		return
	}

	pub := env.Payload.Originator[:]
	if !crypto.Verify(pub, proto.EncodeTelemetryPayload(env.Payload), env.Signature[:]) {
		e.countDrop(merr.Validation)
		return
	}

	skew := skewOf(env.Payload.TimestampMs, now)
	if skew > maxClockSkew {
		e.countDrop(merr.Validation)
		return
	}

	if !e.store.Accept(node.NodeID(env.Payload.Originator), env.Payload, now) {
		if e.metrics != nil {
			e.metrics.IncDropStale()
		}
		return
	}

	// Identity-address binding: keyed on the TLS-verified delivering
	// peer, never on the payload's claimed originator. A relayed
	// envelope from C carrying A's telemetry must never create an
	// A→C_addr entry; this line only ever touches C's own record.
	e.store.SetAddr(msg.VerifiedNodeID, msg.PeerAddr)
	e.markBootstrapLearned(msg.PeerAddr)

	if e.metrics != nil {
		e.metrics.IncVerified()
	}
	e.bus.Publish(subscriber.Delta{Updated: []node.NodeID{node.NodeID(env.Payload.Originator)}})

	exclude := map[node.NodeID]struct{}{msg.VerifiedNodeID: {}}
	e.fanOut(env, exclude)
}

// fanOut selects targets per 4.3 and enqueues one Send per target,
// carrying the envelope unmodified.
func (e *Engine) fanOut(env proto.SignedEnvelope, exclude map[node.NodeID]struct{}) {
	candidates := e.candidates()
	targets := selectPeers(candidates, exclude, e.cfg.CommunityID, e.cfg.GossipFactor)
	for _, target := range targets {
		if !e.transport.Enqueue(Command{Kind: SendToNode, NodeID: target.NodeID, AddrHint: target.Addr, Envelope: env}) {
			e.countBackpressure()
			continue
		}
		if e.metrics != nil {
			e.metrics.IncRelayed()
		}
	}
}

func (e *Engine) candidates() []gossipCandidate {
	records := e.store.List()
	out := make([]gossipCandidate, 0, len(records))
	for _, r := range records {
		if r.NodeID == e.self.ID || r.Addr == "" {
			continue
		}
		out = append(out, gossipCandidate{NodeID: r.NodeID, Addr: r.Addr, CommunityID: r.Payload.CommunityID})
	}
	return out
}

// Snapshot builds the Subscriber bus's full view: every known PeerRecord
// merged with Transport's live connection set. This is what a fresh
// subscriber receives before any deltas.
func (e *Engine) Snapshot() []subscriber.ViewRecord {
	connected := make(map[node.NodeID]struct{})
	for _, id := range e.transport.ConnectedIDs() {
		connected[id] = struct{}{}
	}
	records := e.store.List()
	out := make([]subscriber.ViewRecord, 0, len(records))
	for _, r := range records {
		_, isConnected := connected[r.NodeID]
		out = append(out, subscriber.ViewRecord{
			NodeID:      r.NodeID,
			Payload:     r.Payload,
			LastUpdated: r.LastUpdated,
			Connected:   isConnected,
		})
	}
	return out
}

func (e *Engine) countDrop(kind merr.Kind) {
	if e.metrics != nil {
		e.metrics.IncDropByReason(kind)
	}
}

func (e *Engine) countBackpressure() {
	e.countDrop(merr.Backpressure)
}

func skewOf(timestampMs uint64, now time.Time) time.Duration {
	nowMs := now.UnixMilli()
	diff := int64(timestampMs) - nowMs
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff) * time.Millisecond
}

// sha3For hashes the wire-encoded envelope for the SeenCache key, per
// "hash the envelope signature" — hashing the whole encoded envelope is
// equivalent since the signature is a fixed-width suffix of it, and
// avoids a second slice allocation.
func sha3For(encoded []byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.SHA3_256(encoded))
	return out
}

// sampleValue produces one telemetry reading. The sampled quantity is an
// external collaborator's concern (sensor, counter, whatever this node is
// reporting on); here it is a CSPRNG-sourced placeholder in [0, 1).
func sampleValue() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0
	}
	return float64(n.Int64()) / float64(int64(1)<<53)
}
