// internal/config/config.go
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"nodemesh/internal/merr"
)

// Config is the fully-resolved set of startup parameters. Every field maps
// onto exactly one external-interface key; there is no runtime reload.
type Config struct {
	IdentityPath     string
	P2PAddr          string
	GossipInterval   time.Duration
	GossipFactor     int
	NodeTTL          time.Duration
	CommunityID      uint32
	BootstrapPeers   []string
	CACert           string
	NodeCert         string
	NodeKey          string
	VisualizerAddr   string // empty disables the observer push channel
	MetricsPath      string // empty disables the periodic metrics snapshot
}

const (
	defaultP2PAddr        = "0.0.0.0:4433"
	defaultGossipInterval = 1000 * time.Millisecond
	defaultGossipFactor   = 4
	defaultNodeTTL        = 5 * time.Minute
	defaultMetricsPath    = "./metrics.json"
)

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q for %s: %w", v, key, err)
	}
	return n, nil
}

func envUint32(key string, def uint32) (uint32, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 %q for %s: %w", v, key, err)
	}
	return uint32(n), nil
}

func envList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load resolves configuration from flags parsed out of args, falling back to
// NODEMESH_* environment variables, then to conservative defaults. It never
// touches global flag state (flag.CommandLine), so it is safe to call more
// than once in a test binary.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("gossip-node", flag.ContinueOnError)

	identityPath := fs.String("identity-path", envString("NODEMESH_IDENTITY_PATH", "./identity.key"), "path to the persistent private key")
	p2pAddr := fs.String("p2p-addr", envString("NODEMESH_P2P_ADDR", defaultP2PAddr), "host:port for the QUIC endpoint")
	gossipIntervalMs, err := envInt("NODEMESH_GOSSIP_INTERVAL_MS", int(defaultGossipInterval/time.Millisecond))
	if err != nil {
		return Config{}, merr.New(merr.Configuration, "parse NODEMESH_GOSSIP_INTERVAL_MS", err)
	}
	gossipIntervalFlag := fs.Int("gossip-interval-ms", gossipIntervalMs, "tick cadence in milliseconds")
	gossipFactorEnv, err := envInt("NODEMESH_GOSSIP_FACTOR", defaultGossipFactor)
	if err != nil {
		return Config{}, merr.New(merr.Configuration, "parse NODEMESH_GOSSIP_FACTOR", err)
	}
	gossipFactor := fs.Int("gossip-factor", gossipFactorEnv, "fan-out budget K")
	nodeTTLMsEnv, err := envInt("NODEMESH_NODE_TTL_MS", int(defaultNodeTTL/time.Millisecond))
	if err != nil {
		return Config{}, merr.New(merr.Configuration, "parse NODEMESH_NODE_TTL_MS", err)
	}
	nodeTTLMs := fs.Int("node-ttl-ms", nodeTTLMsEnv, "staleness threshold for PeerRecords")
	communityIDEnv, err := envUint32("NODEMESH_COMMUNITY_ID", 0)
	if err != nil {
		return Config{}, merr.New(merr.Configuration, "parse NODEMESH_COMMUNITY_ID", err)
	}
	communityID := fs.Uint("community-id", uint(communityIDEnv), "unsigned 32-bit community tag")
	bootstrapEnv := envList("NODEMESH_BOOTSTRAP_PEERS", nil)
	bootstrapPeers := fs.String("bootstrap-peers", strings.Join(bootstrapEnv, ","), "comma-separated host:port list")
	caCert := fs.String("tls-ca-cert", envString("NODEMESH_TLS_CA_CERT", ""), "cluster CA bundle path")
	nodeCert := fs.String("tls-node-cert", envString("NODEMESH_TLS_NODE_CERT", ""), "this node's unique leaf certificate path")
	nodeKey := fs.String("tls-node-key", envString("NODEMESH_TLS_NODE_KEY", ""), "this node's leaf private key path")
	visualizerAddr := fs.String("visualizer-bind-addr", envString("NODEMESH_VISUALIZER_BIND_ADDR", ""), "optional observer push channel bind address")
	metricsPath := fs.String("metrics-path", envString("NODEMESH_METRICS_PATH", defaultMetricsPath), "path the node periodically writes its metrics snapshot to; empty disables")

	if err := fs.Parse(args); err != nil {
		return Config{}, merr.New(merr.Configuration, "parse flags", err)
	}

	cfg := Config{
		IdentityPath:   *identityPath,
		P2PAddr:        *p2pAddr,
		GossipInterval: time.Duration(*gossipIntervalFlag) * time.Millisecond,
		GossipFactor:   *gossipFactor,
		NodeTTL:        time.Duration(*nodeTTLMs) * time.Millisecond,
		CommunityID:    uint32(*communityID),
		BootstrapPeers: envList("NODEMESH_BOOTSTRAP_PEERS", nil),
		CACert:         *caCert,
		NodeCert:       *nodeCert,
		NodeKey:        *nodeKey,
		VisualizerAddr: *visualizerAddr,
		MetricsPath:    *metricsPath,
	}
	if *bootstrapPeers != "" {
		cfg.BootstrapPeers = splitNonEmpty(*bootstrapPeers)
	}
	return cfg, cfg.Validate()
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the mandatory fields a running node cannot do without.
// It never touches the filesystem — missing/unreadable files surface as
// IdentityError/TlsError when the node actually tries to load them.
func (c Config) Validate() error {
	if c.P2PAddr == "" {
		return merr.New(merr.Configuration, "validate", fmt.Errorf("p2p_addr must not be empty"))
	}
	if c.GossipFactor <= 0 {
		return merr.New(merr.Configuration, "validate", fmt.Errorf("gossip_factor must be positive"))
	}
	if c.GossipInterval <= 0 {
		return merr.New(merr.Configuration, "validate", fmt.Errorf("gossip_interval_ms must be positive"))
	}
	if c.NodeTTL <= 0 {
		return merr.New(merr.Configuration, "validate", fmt.Errorf("node_ttl_ms must be positive"))
	}
	if c.CACert == "" || c.NodeCert == "" || c.NodeKey == "" {
		return merr.New(merr.Configuration, "validate", fmt.Errorf("tls.ca_cert, tls.node_cert and tls.node_key are all required"))
	}
	return nil
}
