// Package config builds the process configuration once at startup. Values
// come from defaults, then an optional YAML file named by CONFIG_FILE, then
// environment variables, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canopy-network/checkpointx/pkg/batcher"
	"github.com/canopy-network/checkpointx/pkg/boost"
	"github.com/canopy-network/checkpointx/pkg/checkpoint"
	"github.com/canopy-network/checkpointx/pkg/lut"
	"github.com/canopy-network/checkpointx/pkg/rpc"
	"github.com/canopy-network/checkpointx/pkg/solana"
	"github.com/canopy-network/checkpointx/pkg/utils"
)

const (
	RegistryFile  = "file"
	RegistryRedis = "redis"
)

type Config struct {
	// Mints are the staked tokens, one boost pool each.
	Mints     []string `yaml:"mints"`
	ProgramID string   `yaml:"program_id"`

	Cluster        string        `yaml:"cluster"`
	Endpoints      []string      `yaml:"endpoints"`
	Commitment     string        `yaml:"commitment"`
	RPS            int           `yaml:"rps"`
	KeypairPath    string        `yaml:"keypair_path"`
	PriorityFee    uint64        `yaml:"priority_fee"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	Strategy    string `yaml:"strategy"`
	RelayURL    string `yaml:"relay_url"`
	TipAccount  string `yaml:"tip_account"`
	TipLamports uint64 `yaml:"tip_lamports"`

	Registry    string `yaml:"registry"`
	StorageRoot string `yaml:"storage_root"`

	Interval time.Duration `yaml:"interval"`
	PollCap  time.Duration `yaml:"poll_cap"`
	Backoff  time.Duration `yaml:"backoff"`

	ChunkSize    int    `yaml:"chunk_size"`
	BundleSize   int    `yaml:"bundle_size"`
	BaseUnits    uint32 `yaml:"base_units"`
	UnitsPerItem uint32 `yaml:"units_per_item"`

	ExtendChunk     int           `yaml:"extend_chunk"`
	DeactivateChunk int           `yaml:"deactivate_chunk"`
	CloseChunk      int           `yaml:"close_chunk"`
	CooldownWait    time.Duration `yaml:"cooldown_wait"`
	CooldownChecks  int           `yaml:"cooldown_checks"`

	ListenAddr     string `yaml:"listen_addr"`
	StatusSchedule string `yaml:"status_schedule"`
	LogLevel       string `yaml:"log_level"`
	LogEncoding    string `yaml:"log_encoding"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	cp := checkpoint.DefaultConfig()
	tables := lut.DefaultConfig()
	return Config{
		ProgramID:       boost.DefaultProgramID,
		Cluster:         "mainnet",
		Commitment:      "confirmed",
		RPS:             20,
		KeypairPath:     "~/.config/solana/id.json",
		PriorityFee:     1_000,
		ConfirmTimeout:  60 * time.Second,
		Strategy:        string(batcher.StrategySequential),
		TipLamports:     10_000,
		Registry:        RegistryFile,
		StorageRoot:     "./data/lookup-tables",
		Interval:        cp.Interval,
		PollCap:         cp.PollCap,
		Backoff:         cp.Backoff,
		ChunkSize:       cp.Limits.ChunkSize,
		BundleSize:      cp.Limits.BundleSize,
		BaseUnits:       cp.Limits.BaseUnits,
		UnitsPerItem:    cp.Limits.UnitsPerItem,
		ExtendChunk:     tables.ExtendChunk,
		DeactivateChunk: tables.DeactivateChunk,
		CloseChunk:      tables.CloseChunk,
		CooldownWait:    tables.CooldownWait,
		CooldownChecks:  tables.CooldownChecks,
		ListenAddr:      ":3000",
		StatusSchedule:  "0 */5 * * * *",
		LogLevel:        "info",
		LogEncoding:     "json",
	}
}

// Load layers CONFIG_FILE and the environment over Default and validates the
// result.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Mints = utils.EnvList("POOL_MINTS", c.Mints)
	c.ProgramID = utils.Env("BOOST_PROGRAM_ID", c.ProgramID)

	c.Cluster = utils.Env("CLUSTER", c.Cluster)
	c.Endpoints = utils.EnvList("RPC_ENDPOINTS", c.Endpoints)
	c.Commitment = utils.Env("RPC_COMMITMENT", c.Commitment)
	c.RPS = utils.EnvInt("RPC_RPS", c.RPS)
	c.KeypairPath = utils.Env("KEYPAIR_PATH", c.KeypairPath)
	c.PriorityFee = utils.EnvUint64("PRIORITY_FEE", c.PriorityFee)
	c.ConfirmTimeout = utils.EnvDuration("CONFIRM_TIMEOUT", c.ConfirmTimeout)

	c.Strategy = utils.Env("SUBMIT_STRATEGY", c.Strategy)
	c.RelayURL = utils.Env("RELAY_URL", c.RelayURL)
	c.TipAccount = utils.Env("RELAY_TIP_ACCOUNT", c.TipAccount)
	c.TipLamports = utils.EnvUint64("RELAY_TIP_LAMPORTS", c.TipLamports)

	c.Registry = utils.Env("REGISTRY_BACKEND", c.Registry)
	c.StorageRoot = utils.Env("STORAGE_ROOT", c.StorageRoot)

	c.Interval = utils.EnvDuration("REBASE_INTERVAL", c.Interval)
	c.PollCap = utils.EnvDuration("POLL_CAP", c.PollCap)
	c.Backoff = utils.EnvDuration("BACKOFF", c.Backoff)

	c.ChunkSize = utils.EnvInt("CHUNK_SIZE", c.ChunkSize)
	c.BundleSize = utils.EnvInt("BUNDLE_SIZE", c.BundleSize)
	c.BaseUnits = utils.EnvUint32("CU_BASE", c.BaseUnits)
	c.UnitsPerItem = utils.EnvUint32("CU_PER_REBASE", c.UnitsPerItem)

	c.ExtendChunk = utils.EnvInt("LUT_EXTEND_CHUNK", c.ExtendChunk)
	c.DeactivateChunk = utils.EnvInt("LUT_DEACTIVATE_CHUNK", c.DeactivateChunk)
	c.CloseChunk = utils.EnvInt("LUT_CLOSE_CHUNK", c.CloseChunk)
	c.CooldownWait = utils.EnvDuration("LUT_COOLDOWN_WAIT", c.CooldownWait)
	c.CooldownChecks = utils.EnvInt("LUT_COOLDOWN_CHECKS", c.CooldownChecks)

	c.ListenAddr = utils.Env("LISTEN_ADDR", c.ListenAddr)
	c.StatusSchedule = utils.Env("STATUS_SCHEDULE", c.StatusSchedule)
	c.LogLevel = utils.Env("LOG_LEVEL", c.LogLevel)
	c.LogEncoding = utils.Env("LOG_ENCODING", c.LogEncoding)
}

// Validate checks every value that would otherwise fail at runtime.
func (c Config) Validate() error {
	var problems []error
	if len(c.Mints) == 0 {
		problems = append(problems, errors.New("no pool mints configured"))
	}
	if _, err := c.Pools(); err != nil {
		problems = append(problems, err)
	}
	if _, err := c.RPCEndpoints(); err != nil {
		problems = append(problems, err)
	}
	if c.KeypairPath == "" {
		problems = append(problems, errors.New("keypair path is empty"))
	}

	switch batcher.Strategy(c.Strategy) {
	case batcher.StrategySequential:
	case batcher.StrategyBundled:
		if c.RelayURL == "" {
			problems = append(problems, errors.New("bundled submission needs a relay url"))
		}
		if _, err := solana.ParsePublicKey(c.TipAccount); err != nil {
			problems = append(problems, fmt.Errorf("relay tip account: %w", err))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown submission strategy %q", c.Strategy))
	}

	switch c.Registry {
	case RegistryFile:
		if c.StorageRoot == "" {
			problems = append(problems, errors.New("file registry needs a storage root"))
		}
	case RegistryRedis:
	default:
		problems = append(problems, fmt.Errorf("unknown registry backend %q", c.Registry))
	}

	if err := c.Checkpoint().Validate(); err != nil {
		problems = append(problems, err)
	}
	if err := c.Tables().Validate(); err != nil {
		problems = append(problems, err)
	}
	if c.ListenAddr == "" {
		problems = append(problems, errors.New("listen address is empty"))
	}
	return errors.Join(problems...)
}

// Program returns the boost program address.
func (c Config) Program() (solana.PublicKey, error) {
	pk, err := solana.ParsePublicKey(c.ProgramID)
	if err != nil {
		return solana.ZeroKey, fmt.Errorf("program id: %w", err)
	}
	return pk, nil
}

// Pools derives the pool addresses for every configured mint. Duplicate mints
// are rejected since two controllers would race on one checkpoint.
func (c Config) Pools() ([]boost.Pool, error) {
	program, err := c.Program()
	if err != nil {
		return nil, err
	}
	seen := make(map[solana.PublicKey]struct{}, len(c.Mints))
	pools := make([]boost.Pool, 0, len(c.Mints))
	for _, s := range c.Mints {
		mint, err := solana.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("mint %q: %w", s, err)
		}
		if _, dup := seen[mint]; dup {
			return nil, fmt.Errorf("mint %s configured twice", mint)
		}
		seen[mint] = struct{}{}
		pool, err := boost.NewPool(program, mint)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// RPCEndpoints returns the explicit endpoints, or the named cluster's.
func (c Config) RPCEndpoints() ([]string, error) {
	if len(c.Endpoints) > 0 {
		return c.Endpoints, nil
	}
	ep, ok := rpc.ClusterEndpoint(c.Cluster)
	if !ok {
		return nil, fmt.Errorf("unknown cluster %q and no RPC endpoints set", c.Cluster)
	}
	return []string{ep}, nil
}

func (c Config) Limits() batcher.Limits {
	return batcher.Limits{
		ChunkSize:    c.ChunkSize,
		BundleSize:   c.BundleSize,
		BaseUnits:    c.BaseUnits,
		UnitsPerItem: c.UnitsPerItem,
	}
}

func (c Config) Checkpoint() checkpoint.Config {
	return checkpoint.Config{
		Interval: c.Interval,
		PollCap:  c.PollCap,
		Backoff:  c.Backoff,
		Limits:   c.Limits(),
	}
}

func (c Config) Tables() lut.Config {
	cfg := lut.DefaultConfig()
	cfg.ExtendChunk = c.ExtendChunk
	cfg.DeactivateChunk = c.DeactivateChunk
	cfg.CloseChunk = c.CloseChunk
	cfg.CooldownWait = c.CooldownWait
	cfg.CooldownChecks = c.CooldownChecks
	return cfg
}
