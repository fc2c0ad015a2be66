package main

import (
	"fmt"
	"os"

	"MedChain/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting MedChain node",
		"http", cfg.API.Addr,
		"data", cfg.Storage.DataDir,
		"min_clients", cfg.Federation.MinClients,
		"min_quality", cfg.Federation.MinDataQuality,
		"strategy", cfg.Federation.Strategy,
	)
}
