package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"nodemesh/internal/network"
)

func TestNewRunnerWiresEngineAndBusSnapshot(t *testing.T) {
	caDER, caKey, err := network.GenerateDevCA()
	if err != nil {
		t.Fatalf("GenerateDevCA: %v", err)
	}
	files, err := network.WriteDevTLSFiles(t.TempDir(), "node-r", caDER, caKey)
	if err != nil {
		t.Fatalf("WriteDevTLSFiles: %v", err)
	}

	identityPath := filepath.Join(t.TempDir(), "identity")
	cfg := EngineConfig{GossipInterval: time.Minute, GossipFactor: 3, NodeTTL: time.Hour, CommunityID: 1}

	runner, err := NewRunner(identityPath, cfg, "127.0.0.1:0", files, Options{})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if runner.Self == nil || runner.Self.ID.IsZero() {
		t.Fatalf("expected a minted identity")
	}
	if runner.Transport == nil || runner.Engine == nil || runner.Bus == nil {
		t.Fatalf("expected all three actors constructed")
	}

	events, cancel := runner.Bus.Subscribe()
	defer cancel()
	ev := <-events
	if ev.Snapshot == nil {
		t.Fatalf("expected snapshot wiring to be live immediately after construction")
	}

	if err := runner.Transport.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewRunnerRejectsBadIdentityPath(t *testing.T) {
	caDER, caKey, err := network.GenerateDevCA()
	if err != nil {
		t.Fatalf("GenerateDevCA: %v", err)
	}
	files, err := network.WriteDevTLSFiles(t.TempDir(), "node-r2", caDER, caKey)
	if err != nil {
		t.Fatalf("WriteDevTLSFiles: %v", err)
	}
	cfg := EngineConfig{GossipInterval: time.Minute, GossipFactor: 3, NodeTTL: time.Hour}

	// A path under a file (not a directory) cannot be created.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("seed blocker file: %v", err)
	}

	_, err = NewRunner(filepath.Join(blocker, "identity"), cfg, "127.0.0.1:0", files, Options{})
	if err == nil {
		t.Fatalf("expected NewRunner to fail when the identity directory can't be created")
	}
}
