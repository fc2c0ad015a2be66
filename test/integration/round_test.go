package integration

import (
	"encoding/json"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"MedChain/client"
	"MedChain/internal/ledger"
	"MedChain/internal/weights"
)

// TestRoundSurvivesRestart runs one federated round against a real node
// process, stops it, checks the exported ledger file and restarts from the
// auto-checkpoint.
func TestRoundSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process test in short mode")
	}

	binary := buildBinary(t)
	dataDir := t.TempDir()

	initJSON, err := json.Marshal(weights.Scalar(map[string]float64{"w": 0}))
	mustf(t, err, "marshal initial weights")
	initPath := writeFile(t, t.TempDir(), "init.json", string(initJSON))

	node := startNode(t, binary, dataDir, "-init", initPath, "-min-clients", "2")
	if !node.LogContains("starting MedChain node") {
		t.Errorf("startup line missing:\n%s", node.Logs())
	}

	cli := node.Client()

	a := client.NewParticipant(cli, "A", "Hospital A")
	b, err := client.NewSigningParticipant(cli, "B", "Hospital B")
	mustf(t, err, "signing participant")

	_, err = a.Register(100, 0.9)
	mustf(t, err, "register A")
	_, err = b.Register(300, 0.8)
	mustf(t, err, "register B")

	start, err := cli.StartRound()
	mustf(t, err, "start round")
	if start.Round != 1 {
		t.Fatalf("round = %d, want 1", start.Round)
	}

	_, err = a.Submit(start.Round, weights.Scalar(map[string]float64{"w": 1}), 100, map[string]float64{"accuracy": 0.8})
	mustf(t, err, "submit A")
	_, err = b.Submit(start.Round, weights.Scalar(map[string]float64{"w": 2}), 300, map[string]float64{"accuracy": 0.9})
	mustf(t, err, "submit B")

	round, err := cli.CloseRound()
	mustf(t, err, "close round")

	if math.Abs(round.DeltaNorm-1.75) > 1e-9 {
		t.Errorf("delta norm = %v, want 1.75", round.DeltaNorm)
	}
	if math.Abs(round.Metrics["accuracy"]-0.875) > 1e-9 {
		t.Errorf("accuracy = %v, want 0.875", round.Metrics["accuracy"])
	}

	st, err := cli.Status()
	mustf(t, err, "status")
	if st.LedgerBlocks != 4 {
		t.Errorf("ledger blocks = %d, want 4", st.LedgerBlocks)
	}

	node.Shutdown(t)

	led, err := ledger.Load(filepath.Join(dataDir, "blockchain_ledger.json"))
	mustf(t, err, "load exported ledger")
	if led.Len() != 4 || led.ChainID() != st.ChainID {
		t.Errorf("exported ledger: %d blocks, chain %s (want 4, %s)", led.Len(), led.ChainID(), st.ChainID)
	}

	// No -init: the node resumes from the checkpoint written at commit.
	node = startNode(t, binary, dataDir, "-min-clients", "2")
	cli = node.Client()

	st2, err := cli.Status()
	mustf(t, err, "status after restart")

	if st2.Round != 1 {
		t.Errorf("round after restart = %d, want 1", st2.Round)
	}
	if st2.ModelHash != round.ModelHash {
		t.Errorf("model hash = %s, want %s", st2.ModelHash, round.ModelHash)
	}
	if st2.LedgerBlocks != 4 || st2.ChainID != st.ChainID {
		t.Errorf("ledger after restart: %d blocks, chain %s", st2.LedgerBlocks, st2.ChainID)
	}
	if st2.ActiveClients != 2 {
		t.Errorf("active clients after restart = %d, want 2", st2.ActiveClients)
	}

	valid, err := cli.LedgerValid()
	mustf(t, err, "ledger valid")
	if !valid.Valid {
		t.Errorf("ledger invalid after restart: %s", valid.Error)
	}

	next, err := cli.StartRound()
	mustf(t, err, "start second round")
	if next.Round != 2 {
		t.Errorf("next round = %d, want 2", next.Round)
	}

	node.Shutdown(t)

	// Starting over from -init would reuse round numbers already in the ledger.
	stderr := runNodeExpectFailure(t, binary, dataDir, "-init", initPath)
	if !strings.Contains(stderr, "does not match ledger") {
		t.Errorf("unexpected startup error:\n%s", stderr)
	}
}
