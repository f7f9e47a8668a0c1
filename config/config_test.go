package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolarcade/internal/testutil"
	"github.com/tolelom/tolarcade/wallet"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	def := DefaultConfig()
	assert.Equal(t, def.Node.RPCPort, cfg.Node.RPCPort)
	assert.Equal(t, def.Node.BlockInterval, cfg.Node.BlockInterval)
	assert.Equal(t, def.Node.Genesis.ChainID, cfg.Node.Genesis.ChainID)
	assert.Equal(t, def.Attester.Config, cfg.Attester.Config)
	assert.Equal(t, def.Attester.RateLimits, cfg.Attester.RateLimits)
	assert.Equal(t, def.Log, cfg.Log)
	assert.NotNil(t, cfg.Node.Genesis.Alloc)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tolarcade.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  rpc_port: 9000
  block_interval: 500ms
  genesis:
    chain_id: arcade-1
    entry_fee: 10
attester:
  session_ttl: 10m
  store: leveldb
  cadence:
    min_heartbeats: 5
  rate_limits:
    verify:
      rate: 1
      burst: 2
log:
  level: debug
`), 0644))
	t.Setenv("TOLARCADE_NODE_RPC_PORT", "9100")
	t.Setenv("TOLARCADE_ATTESTER_LISTEN", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Node.RPCPort, "env wins over file")
	assert.Equal(t, ":9999", cfg.Attester.Listen)
	assert.Equal(t, 500*time.Millisecond, cfg.Node.BlockInterval)
	assert.Equal(t, "arcade-1", cfg.Node.Genesis.ChainID)
	assert.Equal(t, uint64(10), cfg.Node.Genesis.EntryFee)
	assert.Equal(t, 10*time.Minute, cfg.Attester.SessionTTL)
	assert.Equal(t, "leveldb", cfg.Attester.Store)
	assert.Equal(t, 5, cfg.Attester.Cadence.MinHeartbeats)
	assert.Equal(t, 2*time.Second, cfg.Attester.Cadence.MinInterval, "unset keys keep defaults")
	assert.Equal(t, 1.0, cfg.Attester.RateLimits.Verify.Rate)
	assert.Equal(t, 2, cfg.Attester.RateLimits.Verify.Burst)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", DefaultConfig().Attester.Store)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Node.Validators = []string{w.PubKey()}
	cfg.Node.Genesis.Attester = w.PubKey()
	cfg.Node.Genesis.Alloc[w.PubKey()] = 1000

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(cfg, path))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.Validators, got.Node.Validators)
	assert.Equal(t, cfg.Node.Genesis, got.Node.Genesis)
	assert.Equal(t, cfg.Node.BlockInterval, got.Node.BlockInterval)
	assert.Equal(t, cfg.Attester.Config, got.Attester.Config)
	assert.Equal(t, cfg.Attester.SweepInterval, got.Attester.SweepInterval)
}

func TestNodeValidate(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	cfg := DefaultConfig().Node

	assert.Error(t, cfg.Validate(), "attester is required")
	cfg.Genesis.Attester = w.PubKey()
	assert.NoError(t, cfg.Validate())

	cfg.Genesis.EntryFee = 5
	assert.Error(t, cfg.Validate(), "fees need a prize pool")
	cfg.Genesis.PrizePool = w.PubKey()
	assert.NoError(t, cfg.Validate())

	cfg.Genesis.Alloc = map[string]uint64{"short": 1}
	assert.Error(t, cfg.Validate())
}

func TestCreateGenesisBlock(t *testing.T) {
	proposer, err := wallet.Generate()
	require.NoError(t, err)
	player, err := wallet.Generate()
	require.NoError(t, err)

	g := GenesisConfig{
		ChainID:   "arcade-1",
		Alloc:     map[string]uint64{player.PubKey(): 500},
		EntryFee:  5,
		Attester:  proposer.PubKey(),
		PrizePool: proposer.PubKey(),
	}
	state := testutil.NewStateDB()
	block, err := CreateGenesisBlock(g, state, proposer.PrivKey())
	require.NoError(t, err)

	assert.Equal(t, int64(0), block.Header.Height)
	assert.True(t, IsGenesisHash(block.Header.PrevHash))
	assert.Equal(t, "arcade-1", block.Header.ChainID)
	require.NoError(t, block.Verify(proposer.PrivKey().Public()))
	assert.Equal(t, state.ComputeRoot(), block.Header.StateRoot)

	params, err := state.GetParams()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), params.EntryFee)
	assert.Equal(t, proposer.PubKey(), params.Attester)
	acc, err := state.GetAccount(player.PubKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), acc.Balance)
}
