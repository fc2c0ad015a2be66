package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"MedChain/internal/aggregation"
	"MedChain/internal/api"
	"MedChain/internal/checkpoint"
	"MedChain/internal/governance"
	"MedChain/internal/ledger"
	"MedChain/internal/logger"
	"MedChain/internal/metrics"
	"MedChain/internal/orchestrator"
	"MedChain/internal/storage"
	"MedChain/internal/weights"
)

// errRoundMismatch stops startup when the model to resume from does not
// match the last round recorded in the ledger.
var errRoundMismatch = errors.New("checkpoint does not match ledger")

// Node represents a running MedChain coordinator.
type Node struct {
	cfg          *Config
	storage      *storage.Storage
	registry     *governance.Registry
	ledger       *ledger.Ledger
	orchestrator *orchestrator.Orchestrator
	api          *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initRegistry(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initLedger(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initOrchestrator(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(n.cfg.DBPath())
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initRegistry restores the client registry from storage.
func (n *Node) initRegistry() error {
	reg, err := governance.Open(governance.Config{
		MinClients:     n.cfg.Federation.MinClients,
		MinDataQuality: n.cfg.Federation.MinDataQuality,
	}, n.storage)
	if err != nil {
		return fmt.Errorf("init registry:\n%w", err)
	}

	n.registry = reg
	metrics.SetActiveClients(len(reg.ActiveClients()))

	return nil
}

// initLedger restores the audit chain from storage. A stored chain that
// fails verification stops the node.
func (n *Node) initLedger() error {
	led, err := ledger.Open(n.storage)
	if err != nil {
		return fmt.Errorf("init ledger:\n%w", err)
	}

	n.ledger = led

	return nil
}

// initOrchestrator picks the starting global model: the -init file when
// given, otherwise the newest checkpoint.
func (n *Node) initOrchestrator() error {
	agg, err := aggregation.New(n.cfg.Federation.Strategy)
	if err != nil {
		return fmt.Errorf("init aggregator:\n%w", err)
	}

	var opts []orchestrator.Option
	if dir := n.cfg.CheckpointPath(); dir != "" {
		opts = append(opts, orchestrator.WithCheckpointDir(dir))
	}

	global, cp, err := n.initialWeights()
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(global, n.registry, n.ledger, agg, opts...)
	if err != nil {
		return fmt.Errorf("init orchestrator:\n%w", err)
	}

	if cp != nil {
		if err := orch.Resume(cp); err != nil {
			return fmt.Errorf("resume:\n%w", err)
		}
	}

	n.orchestrator = orch

	return nil
}

// initialWeights returns the starting model. A fresh ledger may start from
// -init or from a round-0 checkpoint; a ledger that already holds rounds
// only resumes from the checkpoint of its last recorded round.
func (n *Node) initialWeights() (*weights.WeightSet, *checkpoint.Checkpoint, error) {
	last := n.ledger.LastRound()

	if n.cfg.InitPath != "" {
		if last > 0 {
			return nil, nil, fmt.Errorf("%w: ledger already records round %d, drop -init to resume from its checkpoint", errRoundMismatch, last)
		}

		ws, err := loadWeights(n.cfg.InitPath)
		if err != nil {
			return nil, nil, err
		}

		logger.Info("initial weights loaded", "path", n.cfg.InitPath, "params", ws.Len())

		return ws, nil, nil
	}

	dir := n.cfg.CheckpointPath()
	if dir == "" {
		return nil, nil, fmt.Errorf("no initial weights: pass -init or configure storage.checkpoint_dir")
	}

	cp, err := resumeCheckpoint(dir, last)
	if err != nil {
		return nil, nil, err
	}

	return cp.Weights, cp, nil
}

// resumeCheckpoint reads the checkpoint matching the ledger's last round.
// With no recorded round the newest checkpoint is used, and it must be a
// round-0 model.
func resumeCheckpoint(dir string, ledgerRound uint64) (*checkpoint.Checkpoint, error) {
	path := filepath.Join(dir, checkpoint.FileName(ledgerRound))

	if ledgerRound == 0 {
		latest, _, err := checkpoint.Latest(dir)
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return nil, fmt.Errorf("no initial weights: pass -init or place a checkpoint in %s", dir)
		}
		if err != nil {
			return nil, err
		}
		path = latest
	}

	cp, err := checkpoint.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: ledger records round %d but %s is missing", errRoundMismatch, ledgerRound, path)
	}
	if err != nil {
		return nil, err
	}

	if cp.Round != ledgerRound {
		return nil, fmt.Errorf("%w: checkpoint %s is round %d, ledger records round %d", errRoundMismatch, path, cp.Round, ledgerRound)
	}

	return cp, nil
}

// Run serves the API until SIGINT or SIGTERM.
func (n *Node) Run() error {
	n.api = api.New(n.cfg.API.Addr, n.orchestrator, n.registry, n.ledger)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close stops the API, writes the ledger file and closes storage.
func (n *Node) Close() error {
	var errs []error

	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop api:\n%w", err))
		}
	}

	if n.ledger != nil {
		if err := n.ledger.Persist(n.cfg.LedgerPath()); err != nil {
			errs = append(errs, fmt.Errorf("persist ledger:\n%w", err))
		}
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return errors.Join(errs...)
}
