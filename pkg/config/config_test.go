package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopy-network/checkpointx/pkg/batcher"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

var (
	mintA = solana.PublicKey{0x0e, 1}.String()
	mintB = solana.PublicKey{0x0e, 2}.String()
)

func TestLoadRequiresMints(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("POOL_MINTS", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pool mints")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("POOL_MINTS", mintA+", "+mintB)
	t.Setenv("CLUSTER", "devnet")
	t.Setenv("REBASE_INTERVAL", "90s")
	t.Setenv("CHUNK_SIZE", "8")
	t.Setenv("REGISTRY_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)
	pools, err := cfg.Pools()
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, mintA, pools[0].Mint.String())

	eps, err := cfg.RPCEndpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://api.devnet.solana.com"}, eps)
	assert.Equal(t, 90*time.Second, cfg.Checkpoint().Interval)
	assert.Equal(t, 8, cfg.Limits().ChunkSize)
	assert.Equal(t, RegistryRedis, cfg.Registry)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpointer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mints: [`+mintA+`]
endpoints: ["http://rpc.internal:8899"]
interval: 30m
backoff: 3s
extend_chunk: 20
strategy: bundled
relay_url: http://relay.internal
tip_account: `+mintB+`
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("POOL_MINTS", "")
	t.Setenv("BACKOFF", "7s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{mintA}, cfg.Mints)
	assert.Equal(t, 30*time.Minute, cfg.Interval)
	assert.Equal(t, 7*time.Second, cfg.Backoff)
	assert.Equal(t, 20, cfg.Tables().ExtendChunk)
	assert.Equal(t, string(batcher.StrategyBundled), cfg.Strategy)
	eps, err := cfg.RPCEndpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://rpc.internal:8899"}, eps)
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interval: [nope"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	_, err := Load()
	assert.ErrorContains(t, err, "parse config file")

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.ErrorContains(t, err, "read config file")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Mints = []string{mintA}
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Config){
		"duplicate mint":   func(c *Config) { c.Mints = []string{mintA, mintA} },
		"bad mint":         func(c *Config) { c.Mints = []string{"not-base58!"} },
		"unknown cluster":  func(c *Config) { c.Cluster = "moon" },
		"bundled no relay": func(c *Config) { c.Strategy = "bundled"; c.TipAccount = mintB },
		"bundled no tip":   func(c *Config) { c.Strategy = "bundled"; c.RelayURL = "http://relay" },
		"strategy":         func(c *Config) { c.Strategy = "parallel" },
		"registry":         func(c *Config) { c.Registry = "sqlite" },
		"no storage root":  func(c *Config) { c.StorageRoot = "" },
		"chunk too large":  func(c *Config) { c.ChunkSize = 80 },
		"bundle too large": func(c *Config) { c.BundleSize = 6 },
		"compute":          func(c *Config) { c.UnitsPerItem = 500_000 },
		"extend chunk":     func(c *Config) { c.ExtendChunk = 31 },
		"interval":         func(c *Config) { c.Interval = 0 },
		"listen":           func(c *Config) { c.ListenAddr = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			cfg.Mints = append([]string(nil), valid.Mints...)
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
