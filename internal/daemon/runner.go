// internal/daemon/runner.go
package daemon

import (
	"context"
	"time"

	"nodemesh/internal/merr"
	"nodemesh/internal/metrics"
	"nodemesh/internal/network"
	"nodemesh/internal/node"
	"nodemesh/internal/subscriber"
)

// ShutdownDeadline bounds the graceful drain every actor must complete
// within before being aborted.
const ShutdownDeadline = 5 * time.Second

// Options carries the pieces of Runner construction that have sensible
// shared defaults (currently just the metrics sink, so a CLI subcommand
// that doesn't run the node can still read snapshots from the same type).
type Options struct {
	Metrics *metrics.Metrics
}

// Runner wires one node's Identity, Transport, Engine, and Subscriber bus
// together and owns their combined lifecycle.
type Runner struct {
	Self      *node.Node
	Transport *Transport
	Engine    *Engine
	Bus       *subscriber.Bus
	Metrics   *metrics.Metrics
}

// NewRunner loads (or mints) the node identity, binds the QUIC endpoint,
// and wires Engine and Bus. It performs no network I/O beyond the bind
// itself — Run must be called to start accepting and gossiping.
func NewRunner(identityPath string, engineCfg EngineConfig, p2pAddr string, tlsFiles network.TLSFiles, opts Options) (*Runner, error) {
	self, err := node.New(identityPath)
	if err != nil {
		return nil, merr.New(merr.Identity, "load identity", err)
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	transport, err := NewTransport(self, p2pAddr, tlsFiles, m)
	if err != nil {
		return nil, err
	}

	bus := subscriber.NewBus()
	engine := NewEngine(self, engineCfg, transport, m, bus)
	bus.SetSnapshotFn(engine.Snapshot)

	return &Runner{Self: self, Transport: transport, Engine: engine, Bus: bus, Metrics: m}, nil
}

// Run starts Transport's accept/command loops and then drives the Engine
// until ctx is canceled. It blocks until the Engine's loop returns.
func (r *Runner) Run(ctx context.Context) {
	r.Transport.Run(ctx)
	r.Engine.Run(ctx)
}

// Shutdown drains Transport within deadline and closes the Subscriber
// bus. Engine has no separate shutdown step: its Run loop already exited
// once the context passed to Run was canceled.
func (r *Runner) Shutdown(deadline time.Duration) error {
	err := r.Transport.Shutdown(deadline)
	r.Bus.Close()
	return err
}
