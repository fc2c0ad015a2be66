package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"MedChain/internal/config"
	"MedChain/internal/logger"
	"MedChain/internal/weights"
)

// Config holds the node configuration.
type Config struct {
	config.Config

	// InitPath is a JSON weight set used as the round-0 global model.
	InitPath string
}

// loadConfig reads the optional TOML file and applies command-line flags
// on top of it. Only flags that were set override the file.
func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)

	path := fs.String("config", "", "TOML config file")
	dataDir := fs.String("data", "", "Data directory path")
	httpAddr := fs.String("http", "", "HTTP API address")
	minClients := fs.Int("min-clients", 0, "Minimum distinct clients per round")
	strategy := fs.String("strategy", "", "Aggregation strategy (fedavg, weighted)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	initPath := fs.String("init", "", "Initial global weights (JSON)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	base := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return nil, err
		}
		base = loaded
	}

	cfg := &Config{Config: base, InitPath: *initPath}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.Storage.DataDir = *dataDir
		case "http":
			cfg.API.Addr = *httpAddr
		case "min-clients":
			cfg.Federation.MinClients = *minClients
		case "strategy":
			cfg.Federation.Strategy = *strategy
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	return cfg, nil
}

// loadWeights reads a JSON weight set written as [{name, shape, data}, ...].
func loadWeights(path string) (*weights.WeightSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights:\n%w", err)
	}

	ws := weights.New()
	if err := json.Unmarshal(data, ws); err != nil {
		return nil, fmt.Errorf("decode weights %s:\n%w", path, err)
	}

	if ws.Len() == 0 {
		return nil, fmt.Errorf("weights %s: no parameters", path)
	}

	return ws, nil
}
