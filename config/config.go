package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS between peers.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to dial on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node's base58 peer ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's composite genesis block.
type GenesisConfig struct {
	ChainID   string `json:"chain_id"`
	Timestamp int64  `json:"timestamp"` // unix seconds, used as-is by CreateGenesisBlock
}

// Config holds all node configuration.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	P2PPort int    `json:"p2p_port"`

	// MaxWorkers bounds the Worker Pool's concurrent mining processes;
	// 0 means cmd/node sizes the pool to runtime.NumCPU().
	MaxWorkers int `json:"max_workers"`

	// QuorumSize is the connected-peer count at which the Peer Book
	// reports quorum and discovery pauses.
	QuorumSize int `json:"quorum_size"`

	// LowHealthNet relaxes QuorumSize to 1 peer, for single-node and
	// development clusters where a full quorum is never reachable.
	LowHealthNet bool `json:"low_health_net"`

	Genesis   GenesisConfig `json:"genesis"`
	SeedPeers []SeedPeer    `json:"seed_peers,omitempty"`
	TLS       *TLSConfig    `json:"tls,omitempty"` // nil -> plain TCP
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:       "node0",
		DataDir:      "./data",
		P2PPort:      16061,
		MaxWorkers:   0,
		QuorumSize:   3,
		LowHealthNet: true,
		Genesis: GenesisConfig{
			ChainID: "multiverse-dev",
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must not be negative, got %d", c.MaxWorkers)
	}
	if c.QuorumSize < 1 {
		return fmt.Errorf("quorum_size must be at least 1, got %d", c.QuorumSize)
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
