package main

import (
	"errors"
	"testing"
	"time"

	"MedChain/internal/checkpoint"
	"MedChain/internal/weights"
)

func writeCheckpoint(t *testing.T, dir string, round uint64) {
	t.Helper()

	_, err := checkpoint.Write(dir, &checkpoint.Checkpoint{
		Round:     round,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Weights:   weights.Scalar(map[string]float64{"w": float64(round)}),
	})
	if err != nil {
		t.Fatalf("write checkpoint %d: %v", round, err)
	}
}

func TestResumeCheckpointMatchesLedgerRound(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, 1)
	writeCheckpoint(t, dir, 2)
	writeCheckpoint(t, dir, 3)

	// A newer checkpoint than the ledger is skipped for the matching one.
	cp, err := resumeCheckpoint(dir, 2)
	if err != nil {
		t.Fatalf("resumeCheckpoint: %v", err)
	}

	if cp.Round != 2 {
		t.Errorf("round = %d, want 2", cp.Round)
	}
}

func TestResumeCheckpointRefusesStaleModel(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, 1)

	// The checkpoint for round 2 was never written.
	if _, err := resumeCheckpoint(dir, 2); !errors.Is(err, errRoundMismatch) {
		t.Errorf("err = %v, want errRoundMismatch", err)
	}
}

func TestResumeCheckpointFreshLedger(t *testing.T) {
	dir := t.TempDir()

	if _, err := resumeCheckpoint(dir, 0); err == nil {
		t.Error("expected an error with no checkpoint and no -init")
	}

	writeCheckpoint(t, dir, 0)

	cp, err := resumeCheckpoint(dir, 0)
	if err != nil || cp.Round != 0 {
		t.Fatalf("round-0 checkpoint: %v, %v", cp, err)
	}

	// Checkpoints ahead of an empty ledger belong to another chain.
	writeCheckpoint(t, dir, 4)

	if _, err := resumeCheckpoint(dir, 0); !errors.Is(err, errRoundMismatch) {
		t.Errorf("err = %v, want errRoundMismatch", err)
	}
}
