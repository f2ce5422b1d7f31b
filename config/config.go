package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tolelom/poh-quantum-node/poh"
	"github.com/tolelom/poh-quantum-node/scheduler"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// SchedulerWeightsConfig mirrors scheduler.Weights for JSON round-tripping.
type SchedulerWeightsConfig struct {
	Uptime      float64 `json:"uptime"`
	Performance float64 `json:"performance"`
	Throughput  float64 `json:"throughput"`
	Latency     float64 `json:"latency"`
}

// HealthConfig mirrors scheduler.HealthThresholds for JSON round-tripping.
type HealthConfig struct {
	MinUptime         float64 `json:"min_uptime"`
	MaxSilenceSeconds int     `json:"max_silence_seconds"`
}

// ConsensusConfig parameterizes the slot/epoch clock, the leader scheduler's
// scoring and health predicate, the PoH density floor, and Turbine's
// propagation fanout. None of these values changes what a block commits to,
// so long as every node in a deployment is configured identically; Validate
// rejects out-of-range combinations. The PoH density fields and
// ExecutorParallelism are validated but not read by the daemon: the builder
// uses poh.DefaultDensityPolicy and the executor uses executor.MaxParallelism.
type ConsensusConfig struct {
	SlotMillis        int                    `json:"slot_millis"`
	EpochSlots        uint64                 `json:"epoch_slots"`
	SchedulerWeights  SchedulerWeightsConfig `json:"scheduler_weights"`
	Health            HealthConfig           `json:"health"`
	PoHMinTrailingTicks int                  `json:"poh_min_trailing_ticks"`
	PoHMinHashRate      int                  `json:"poh_min_hash_rate"`
	TurbineFanout       int                  `json:"turbine_fanout"`
	ExecutorParallelism int                  `json:"executor_parallelism"`
}

// DefaultConsensusConfig matches the canonical values used elsewhere in the
// module's defaults (scheduler.DefaultConfig, poh.DefaultDensityPolicy,
// turbine's defaultFanout).
func DefaultConsensusConfig() ConsensusConfig {
	w := scheduler.DefaultWeights()
	h := scheduler.DefaultHealthThresholds()
	d := poh.DefaultDensityPolicy()
	return ConsensusConfig{
		SlotMillis:          400,
		EpochSlots:          432,
		SchedulerWeights:    SchedulerWeightsConfig{Uptime: w.Uptime, Performance: w.Performance, Throughput: w.Throughput, Latency: w.Latency},
		Health:              HealthConfig{MinUptime: h.MinUptime, MaxSilenceSeconds: int(h.MaxSilence / time.Second)},
		PoHMinTrailingTicks: d.MinTrailingTicks,
		PoHMinHashRate:      d.MinHashRate,
		TurbineFanout:       200,
		ExecutorParallelism: 8,
	}
}

// SlotDuration returns the configured slot length as a time.Duration.
func (c ConsensusConfig) SlotDuration() time.Duration {
	return time.Duration(c.SlotMillis) * time.Millisecond
}

// SchedulerConfig converts this configuration into a scheduler.Config.
func (c ConsensusConfig) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		SlotDuration: c.SlotDuration(),
		EpochSlots:   c.EpochSlots,
		Weights: scheduler.Weights{
			Uptime:      c.SchedulerWeights.Uptime,
			Performance: c.SchedulerWeights.Performance,
			Throughput:  c.SchedulerWeights.Throughput,
			Latency:     c.SchedulerWeights.Latency,
		},
		Health: scheduler.HealthThresholds{
			MinUptime:  c.Health.MinUptime,
			MaxSilence: time.Duration(c.Health.MaxSilenceSeconds) * time.Second,
		},
	}
}

// DensityPolicy converts this configuration into a poh.DensityPolicy.
func (c ConsensusConfig) DensityPolicy() poh.DensityPolicy {
	return poh.DensityPolicy{MinTrailingTicks: c.PoHMinTrailingTicks, MinHashRate: c.PoHMinHashRate}
}

// Validate checks the consensus knobs fall within their supported bounds:
// slot duration in [400ms, 2s], a positive epoch length, and a positive
// Turbine fanout.
func (c ConsensusConfig) Validate() error {
	if c.SlotMillis < 400 || c.SlotMillis > 2000 {
		return fmt.Errorf("consensus.slot_millis must be 400-2000, got %d", c.SlotMillis)
	}
	if c.EpochSlots == 0 {
		return fmt.Errorf("consensus.epoch_slots must be positive")
	}
	if c.TurbineFanout <= 0 {
		return fmt.Errorf("consensus.turbine_fanout must be positive")
	}
	if c.ExecutorParallelism <= 0 {
		return fmt.Errorf("consensus.executor_parallelism must be positive")
	}
	if c.PoHMinTrailingTicks < 0 {
		return fmt.Errorf("consensus.poh_min_trailing_ticks must not be negative")
	}
	if c.PoHMinHashRate <= 0 {
		return fmt.Errorf("consensus.poh_min_hash_rate must be positive")
	}
	return nil
}

// Config holds all node configuration.
type Config struct {
	NodeID      string        `json:"node_id"`
	DataDir     string        `json:"data_dir"`
	RPCPort     int           `json:"rpc_port"`
	P2PPort     int           `json:"p2p_port"`
	MaxBlockTxs int           `json:"max_block_txs"` // max transactions per block; 0 → unlimited
	Validators   []string        `json:"validators"`              // authorised proposer pubkey hexes
	Genesis      GenesisConfig   `json:"genesis"`
	Consensus    ConsensusConfig `json:"consensus"`
	SeedPeers    []SeedPeer      `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS          *TLSConfig      `json:"tls,omitempty"`           // nil → plain TCP
	RPCAuthToken string          `json:"rpc_auth_token,omitempty"` // empty → no auth
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "node0",
		DataDir:     "./data",
		RPCPort:     8545,
		P2PPort:     30303,
		MaxBlockTxs: 0,
		Genesis: GenesisConfig{
			ChainID: "tolchain-dev",
			Alloc:   map[string]uint64{},
		},
		Consensus: DefaultConsensusConfig(),
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
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Validators) == 0 {
		return fmt.Errorf("validators list must not be empty")
	}
	for i, v := range c.Validators {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("validators[%d]: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, v)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
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
