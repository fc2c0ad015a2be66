package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"MedChain/internal/ledger"
	"MedChain/internal/storage"
)

func writeLedger(t *testing.T, l *ledger.Ledger) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.json")
	if err := l.Persist(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckValidLedger(t *testing.T) {
	l := ledger.New()
	l.RecordClientUpdate(1, "A", 100, map[string]float64{"accuracy": 0.8})
	l.RecordClientUpdate(1, "B", 300, map[string]float64{"accuracy": 0.9})
	l.RecordRound(1, 2, map[string]float64{"accuracy": 0.875}, "abc", "")

	var out bytes.Buffer
	if err := check(&out, writeLedger(t, l), ""); err != nil {
		t.Fatalf("check: %v", err)
	}

	text := out.String()
	for _, want := range []string{"4 blocks", "round 1: block 3, 2 clients", "accuracy=0.8750", "Chain is valid"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestCheckRejectsTamperedLedger(t *testing.T) {
	l := ledger.New()
	l.RecordClientUpdate(1, "A", 100, nil)

	path := writeLedger(t, l)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	data = bytes.Replace(data, []byte(`"data_size": 100`), []byte(`"data_size": 999`), 1)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := check(&bytes.Buffer{}, path, ""); !errors.Is(err, ledger.ErrChainCorrupt) {
		t.Fatalf("err = %v, want ErrChainCorrupt", err)
	}
}

func TestCheckAgainstStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "db")

	db, err := storage.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	l, err := ledger.Open(db)
	if err != nil {
		t.Fatal(err)
	}
	l.RecordClientUpdate(1, "A", 100, nil)

	path := writeLedger(t, l)

	// the store moves ahead of the file
	l.RecordRound(1, 1, nil, "", "")
	db.Close()

	if err := check(&bytes.Buffer{}, path, dbPath); err != nil {
		t.Fatalf("check against store: %v", err)
	}

	other := writeLedger(t, ledger.New())
	if err := check(&bytes.Buffer{}, other, dbPath); !errors.Is(err, errMismatch) {
		t.Fatalf("foreign ledger err = %v, want errMismatch", err)
	}
}
