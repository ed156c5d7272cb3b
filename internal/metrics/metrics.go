package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"nodemesh/internal/merr"
)

// Snapshot is the periodically-written counter dump, keyed loosely enough
// that a dashboard can diff two snapshots without knowing the wire schema
// of the envelopes themselves.
type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Verified       uint64            `json:"verified"`
	Relayed        uint64            `json:"relayed"`
	DropDuplicate  uint64            `json:"drop_duplicate"`
	DropStale      uint64            `json:"drop_stale"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
}

// Metrics holds process-lifetime counters for one node. The counters are
// monotonic atomics and the two gauges (CurrentConns, CurrentStreams) are
// atomics set to the latest value; DropByReason/RecvByType are plain maps
// under a single mutex since their key set is small and fixed (the seven error
// kinds, the two message types) and updates are far less frequent than
// Verified/Relayed.
type Metrics struct {
	verified       atomic.Uint64
	relayed        atomic.Uint64
	dropDuplicate  atomic.Uint64
	dropStale      atomic.Uint64
	currentConns   atomic.Int64
	currentStreams atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
	}
}

func (m *Metrics) IncVerified()      { m.verified.Add(1) }
func (m *Metrics) IncRelayed()       { m.relayed.Add(1) }
func (m *Metrics) IncDropDuplicate() { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropStale()     { m.dropStale.Add(1) }

func (m *Metrics) SetCurrentConns(n int)   { m.currentConns.Store(int64(n)) }
func (m *Metrics) SetCurrentStreams(n int) { m.currentStreams.Store(int64(n)) }

// IncRecvByType counts one accepted inbound message of the given kind
// ("hello", "gossip").
func (m *Metrics) IncRecvByType(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvByType[kind]++
}

// IncDropByReason counts one dropped message or command, tagged with the
// error-taxonomy kind that caused the drop.
func (m *Metrics) IncDropByReason(kind merr.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropByReason[kind.String()]++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drop := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drop[k] = v
	}
	m.mu.Unlock()

	return Snapshot{
		GeneratedAt:    time.Now().UTC(),
		Verified:       m.verified.Load(),
		Relayed:        m.relayed.Load(),
		DropDuplicate:  m.dropDuplicate.Load(),
		DropStale:      m.dropStale.Load(),
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		RecvByType:     recv,
		DropByReason:   drop,
	}
}

// WriteSnapshot dumps the current counters to path as indented JSON. A
// no-op when path is empty, so callers that don't want a metrics file can
// skip it entirely rather than special-casing the call site.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
