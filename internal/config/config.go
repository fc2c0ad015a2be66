package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"MedChain/internal/aggregation"
	"MedChain/internal/logger"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the node configuration loaded from config.toml.
type Config struct {
	Federation Federation `toml:"federation"`
	Storage    Storage    `toml:"storage"`
	API        API        `toml:"api"`
	Log        Log        `toml:"log"`
}

type Federation struct {
	MinClients     int     `toml:"min_clients"`
	MinDataQuality float64 `toml:"min_data_quality"`
	Strategy       string  `toml:"strategy"`
}

type Storage struct {
	DataDir       string `toml:"data_dir"`
	LedgerFile    string `toml:"ledger_file"`
	CheckpointDir string `toml:"checkpoint_dir"`
}

type API struct {
	Addr string `toml:"addr"`
}

type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Federation: Federation{
			MinClients:     2,
			MinDataQuality: 0.6,
			Strategy:       "fedavg",
		},
		Storage: Storage{
			DataDir:       "data",
			LedgerFile:    "blockchain_ledger.json",
			CheckpointDir: "checkpoints",
		},
		API: API{
			Addr: ":8080",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default; unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config:\n%w", err)
	}

	cfg, err := Parse(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("load config %s:\n%w", path, err)
	}

	return cfg, nil
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(text string) (Config, error) {
	cfg := Default()

	meta, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode toml:\n%w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys: %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.Federation.Strategy = strings.ToLower(strings.TrimSpace(c.Federation.Strategy))
	c.Storage.DataDir = strings.TrimSpace(c.Storage.DataDir)
	c.Storage.LedgerFile = strings.TrimSpace(c.Storage.LedgerFile)
	c.Storage.CheckpointDir = strings.TrimSpace(c.Storage.CheckpointDir)
	c.API.Addr = strings.TrimSpace(c.API.Addr)
	c.Log.Level = strings.TrimSpace(c.Log.Level)
}

// Validate checks value ranges and names.
func (c Config) Validate() error {
	if c.Federation.MinClients < 1 {
		return fmt.Errorf("%w: federation.min_clients must be at least 1, got %d", ErrInvalidConfig, c.Federation.MinClients)
	}

	q := c.Federation.MinDataQuality
	if math.IsNaN(q) || q < 0 || q > 1 {
		return fmt.Errorf("%w: federation.min_data_quality must be in [0,1], got %v", ErrInvalidConfig, q)
	}

	if _, err := aggregation.ParseStrategy(c.Federation.Strategy); err != nil {
		return fmt.Errorf("%w: federation.strategy:\n%w", ErrInvalidConfig, err)
	}

	if c.API.Addr == "" {
		return fmt.Errorf("%w: api.addr is empty", ErrInvalidConfig)
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level:\n%w", ErrInvalidConfig, err)
	}

	return nil
}

// LedgerPath returns the ledger file, resolved under DataDir when relative.
func (c Config) LedgerPath() string {
	return c.resolve(c.Storage.LedgerFile)
}

// CheckpointPath returns the checkpoint directory, resolved under DataDir
// when relative. Empty disables auto-checkpointing.
func (c Config) CheckpointPath() string {
	if c.Storage.CheckpointDir == "" {
		return ""
	}
	return c.resolve(c.Storage.CheckpointDir)
}

// DBPath returns the pebble directory under DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "db")
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}
