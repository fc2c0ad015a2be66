package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	text := `
[federation]
min_clients = 3
strategy = " Weighted "

[storage]
data_dir = "/var/lib/medchain"

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Federation.MinClients != 3 {
		t.Errorf("min_clients = %d, want 3", cfg.Federation.MinClients)
	}
	if cfg.Federation.Strategy != "weighted" {
		t.Errorf("strategy = %q, want weighted", cfg.Federation.Strategy)
	}
	if cfg.Federation.MinDataQuality != 0.6 {
		t.Errorf("min_data_quality = %v, want default 0.6", cfg.Federation.MinDataQuality)
	}
	if cfg.API.Addr != ":8080" {
		t.Errorf("api.addr = %q, want default", cfg.API.Addr)
	}

	if got := cfg.LedgerPath(); got != "/var/lib/medchain/blockchain_ledger.json" {
		t.Errorf("ledger path = %s", got)
	}
	if got := cfg.CheckpointPath(); got != "/var/lib/medchain/checkpoints" {
		t.Errorf("checkpoint path = %s", got)
	}
	if got := cfg.DBPath(); got != "/var/lib/medchain/db" {
		t.Errorf("db path = %s", got)
	}
}

func TestAbsolutePathsKept(t *testing.T) {
	cfg, err := Parse(`
[storage]
ledger_file = "/tmp/ledger.json"
checkpoint_dir = ""
`)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LedgerPath() != "/tmp/ledger.json" {
		t.Errorf("ledger path = %s", cfg.LedgerPath())
	}
	if cfg.CheckpointPath() != "" {
		t.Errorf("checkpoint path = %q, want disabled", cfg.CheckpointPath())
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"min clients":   "[federation]\nmin_clients = 0\n",
		"quality":       "[federation]\nmin_data_quality = 1.5\n",
		"strategy":      "[federation]\nstrategy = \"median\"\n",
		"log level":     "[log]\nlevel = \"loud\"\n",
		"empty addr":    "[api]\naddr = \"\"\n",
		"unknown key":   "[federation]\nmin_client = 2\n",
		"unknown table": "[cluster]\nsize = 3\n",
	}

	for name, text := range cases {
		if _, err := Parse(text); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: err = %v, want ErrInvalidConfig", name, err)
		}
	}
}

func TestParseSyntaxError(t *testing.T) {
	if _, err := Parse("[federation\n"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}
