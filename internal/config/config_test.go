package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NODEMESH_IDENTITY_PATH", "NODEMESH_P2P_ADDR", "NODEMESH_GOSSIP_INTERVAL_MS",
		"NODEMESH_GOSSIP_FACTOR", "NODEMESH_NODE_TTL_MS", "NODEMESH_COMMUNITY_ID",
		"NODEMESH_BOOTSTRAP_PEERS", "NODEMESH_TLS_CA_CERT", "NODEMESH_TLS_NODE_CERT",
		"NODEMESH_TLS_NODE_KEY", "NODEMESH_VISUALIZER_BIND_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadRejectsMissingTLSMaterial(t *testing.T) {
	clearEnv(t)
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected a ConfigurationError for missing TLS material")
	}
}

func TestLoadAppliesDefaultsAndFlags(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{
		"-tls-ca-cert", "ca.pem",
		"-tls-node-cert", "node.pem",
		"-tls-node-key", "node.key",
		"-gossip-factor", "6",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GossipFactor != 6 {
		t.Fatalf("expected flag override, got %d", cfg.GossipFactor)
	}
	if cfg.GossipInterval != defaultGossipInterval {
		t.Fatalf("expected default gossip interval, got %v", cfg.GossipInterval)
	}
	if cfg.NodeTTL != defaultNodeTTL {
		t.Fatalf("expected default node ttl, got %v", cfg.NodeTTL)
	}
}

func TestLoadParsesBootstrapPeerList(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{
		"-tls-ca-cert", "ca.pem",
		"-tls-node-cert", "node.pem",
		"-tls-node-key", "node.key",
		"-bootstrap-peers", "10.0.0.1:4433, 10.0.0.2:4433",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.BootstrapPeers) != 2 {
		t.Fatalf("expected 2 bootstrap peers, got %v", cfg.BootstrapPeers)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("NODEMESH_GOSSIP_INTERVAL_MS", "250")
	cfg, err := Load([]string{
		"-tls-ca-cert", "ca.pem",
		"-tls-node-cert", "node.pem",
		"-tls-node-key", "node.key",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GossipInterval != 250*time.Millisecond {
		t.Fatalf("expected env override to apply, got %v", cfg.GossipInterval)
	}
}
