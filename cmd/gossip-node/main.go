package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"nodemesh/internal/config"
	"nodemesh/internal/daemon"
	"nodemesh/internal/merr"
	"nodemesh/internal/metrics"
	"nodemesh/internal/network"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: gossip-node <run|status> [args]")
	fmt.Fprintln(w, "  run    --tls-ca-cert <path> --tls-node-cert <path> --tls-node-key <path> [flags]")
	fmt.Fprintln(w, "  status --metrics-path <path>")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitCodeFor(err)
	}

	files := network.TLSFiles{CACert: cfg.CACert, NodeCert: cfg.NodeCert, NodeKey: cfg.NodeKey}
	engineCfg := daemon.EngineConfig{
		GossipInterval: cfg.GossipInterval,
		GossipFactor:   cfg.GossipFactor,
		NodeTTL:        cfg.NodeTTL,
		CommunityID:    cfg.CommunityID,
		BootstrapPeers: cfg.BootstrapPeers,
		MetricsPath:    cfg.MetricsPath,
	}

	m := metrics.New()
	runner, err := daemon.NewRunner(cfg.IdentityPath, engineCfg, cfg.P2PAddr, files, daemon.Options{Metrics: m})
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return exitCodeFor(err)
	}

	fmt.Fprintf(stdout, "READY node_id=%s addr=%s\n", runner.Self.ID, runner.Transport.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(stderr, "shutdown signal received, draining")
		cancel()
	}()

	runner.Run(ctx)

	if err := runner.Shutdown(daemon.ShutdownDeadline); err != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	path := "./metrics.json"
	for i, a := range args {
		if a == "--metrics-path" && i+1 < len(args) {
			path = args[i+1]
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "status: cannot read %s: %v\n", path, err)
		return 1
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stderr, "status: malformed metrics snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Local observation summary (not consensus):")
	fmt.Fprintf(stdout, "  generated_at: %s\n", snap.GeneratedAt)
	fmt.Fprintf(stdout, "  verified: %d  relayed: %d\n", snap.Verified, snap.Relayed)
	fmt.Fprintf(stdout, "  dropped: duplicate=%d stale=%d\n", snap.DropDuplicate, snap.DropStale)
	fmt.Fprintf(stdout, "  current connections: %d  current streams: %d\n", snap.CurrentConns, snap.CurrentStreams)
	return 0
}

// exitCodeFor maps the fatal-at-startup error kinds onto distinct
// nonzero exit codes; anything else falls back to a generic failure code.
func exitCodeFor(err error) int {
	var e *merr.E
	if as, ok := err.(*merr.E); ok {
		e = as
	}
	if e == nil {
		return 1
	}
	switch e.Kind {
	case merr.Configuration:
		return 2
	case merr.Identity:
		return 3
	case merr.Tls:
		return 4
	default:
		return 1
	}
}
