// Package config loads node and attester settings with viper. Values come from
// defaults, then an optional YAML/JSON/TOML file, then TOLARCADE_* environment
// variables (e.g. TOLARCADE_NODE_RPC_PORT).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tolelom/tolarcade/api"
	"github.com/tolelom/tolarcade/attest"
	"github.com/tolelom/tolarcade/crypto"
	"github.com/tolelom/tolarcade/logger"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "TOLARCADE"

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID   string            `mapstructure:"chain_id" json:"chain_id"`
	Alloc     map[string]uint64 `mapstructure:"alloc" json:"alloc"` // pubkey hex → initial balance
	EntryFee  uint64            `mapstructure:"entry_fee" json:"entry_fee"`
	Attester  string            `mapstructure:"attester" json:"attester"`     // trusted attester pubkey hex
	PrizePool string            `mapstructure:"prize_pool" json:"prize_pool"` // pubkey hex credited with entry fees
}

// NodeConfig holds ledger node settings.
type NodeConfig struct {
	NodeID        string        `mapstructure:"node_id" json:"node_id"`
	DataDir       string        `mapstructure:"data_dir" json:"data_dir"`
	KeyPath       string        `mapstructure:"key_path" json:"key_path"`
	RPCPort       int           `mapstructure:"rpc_port" json:"rpc_port"`
	RPCAuthToken  string        `mapstructure:"rpc_auth_token" json:"rpc_auth_token"`
	MaxBlockTxs   int           `mapstructure:"max_block_txs" json:"max_block_txs"` // 0 → 500
	BlockInterval time.Duration `mapstructure:"block_interval" json:"block_interval"`
	Validators    []string      `mapstructure:"validators" json:"validators"` // authorised proposer pubkey hexes
	Genesis       GenesisConfig `mapstructure:"genesis" json:"genesis"`
}

// AttesterConfig holds attester service settings.
type AttesterConfig struct {
	attest.Config `mapstructure:",squash"`

	Listen        string        `mapstructure:"listen" json:"listen"`
	KeyPath       string        `mapstructure:"key_path" json:"key_path"`
	Store         string        `mapstructure:"store" json:"store"` // memory or leveldb
	DataDir       string        `mapstructure:"data_dir" json:"data_dir"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	RateLimits    api.Limits    `mapstructure:"rate_limits" json:"rate_limits"`
}

// Config is the whole file.
type Config struct {
	Node     NodeConfig     `mapstructure:"node" json:"node"`
	Attester AttesterConfig `mapstructure:"attester" json:"attester"`
	Log      logger.Config  `mapstructure:"log" json:"log"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			NodeID:        "node0",
			DataDir:       "./data",
			KeyPath:       "validator.key",
			RPCPort:       8545,
			MaxBlockTxs:   500,
			BlockInterval: 2 * time.Second,
			Genesis: GenesisConfig{
				ChainID: "tolarcade-dev",
				Alloc:   map[string]uint64{},
			},
		},
		Attester: AttesterConfig{
			Config:        attest.DefaultConfig(),
			Listen:        ":8080",
			KeyPath:       "attester.key",
			Store:         "memory",
			DataDir:       "./data/attester",
			SweepInterval: time.Minute,
			RateLimits:    api.DefaultLimits(),
		},
		Log: logger.Config{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Node.Genesis.Alloc == nil {
		cfg.Node.Genesis.Alloc = map[string]uint64{}
	}
	return cfg, nil
}

// setDefaults registers every key of def so environment overrides apply to
// keys the file does not mention.
func setDefaults(v *viper.Viper, def *Config) error {
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	walkDefaults(v, "", tree)
	// JSON flattens durations to nanoseconds; keep them typed.
	v.SetDefault("node.block_interval", def.Node.BlockInterval)
	v.SetDefault("attester.session_ttl", def.Attester.SessionTTL)
	v.SetDefault("attester.sweep_interval", def.Attester.SweepInterval)
	v.SetDefault("attester.cadence.min_interval", def.Attester.Cadence.MinInterval)
	v.SetDefault("attester.cadence.max_interval", def.Attester.Cadence.MaxInterval)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok && len(sub) > 0 {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Validate checks settings the node cannot run without.
func (c *NodeConfig) Validate() error {
	g := c.Genesis
	if g.ChainID == "" {
		return errors.New("genesis.chain_id is required")
	}
	if !crypto.IsIdentity(g.Attester) {
		return fmt.Errorf("genesis.attester must be an ed25519 pubkey hex, got %q", g.Attester)
	}
	if g.EntryFee > 0 && !crypto.IsIdentity(g.PrizePool) {
		return fmt.Errorf("genesis.prize_pool must be a pubkey hex when entry_fee > 0")
	}
	for addr := range g.Alloc {
		if !crypto.IsIdentity(addr) {
			return fmt.Errorf("genesis.alloc key %q is not a pubkey hex", addr)
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
	return os.WriteFile(path, data, 0644)
}
