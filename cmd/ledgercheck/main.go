package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"MedChain/internal/ledger"
	"MedChain/internal/storage"
)

// errMismatch is returned when the file and the store disagree.
var errMismatch = errors.New("ledger file and store differ")

func main() {
	dbPath := flag.String("db", "", "Pebble data directory to compare against")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-db <db_path>] <ledger.json>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := check(os.Stdout, flag.Arg(0), *dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "\n✗ %v\n", err)
		os.Exit(1)
	}
}

// check verifies the ledger file at path, prints a round summary and,
// when dbPath is set, compares it block by block with the stored chain.
func check(w io.Writer, path, dbPath string) error {
	l, err := ledger.Load(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Ledger %s: %d blocks, chain %s\n", path, l.Len(), l.ChainID())
	printRounds(w, l)

	if dbPath != "" {
		if err := compareStore(w, l, dbPath); err != nil {
			return err
		}
	}

	fmt.Fprintln(w, "\n✓ Chain is valid")

	return nil
}

func printRounds(w io.Writer, l *ledger.Ledger) {
	rounds := l.Rounds()
	if len(rounds) == 0 {
		fmt.Fprintln(w, "No committed rounds")
		return
	}

	fmt.Fprintf(w, "%d committed rounds:\n", len(rounds))

	for _, b := range rounds {
		r := b.Payload.(ledger.RoundRecord)

		keys := make([]string, 0, len(r.Metrics))
		for k := range r.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%.4f", k, r.Metrics[k])
		}

		signed := ""
		if r.Attestation != "" {
			signed = " signed"
		}

		fmt.Fprintf(w, "  round %d: block %d, %d clients%s %s\n", r.Round, b.Index, r.NumClients, signed, strings.Join(parts, " "))
	}
}

// compareStore checks that the file is a prefix of the chain in dbPath.
// The store may be ahead of a file written at an earlier shutdown.
func compareStore(w io.Writer, file *ledger.Ledger, dbPath string) error {
	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("open db:\n%w", err)
	}
	defer db.Close()

	stored, err := ledger.Open(db)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Store %s: %d blocks\n", dbPath, stored.Len())

	if stored.ChainID() != file.ChainID() {
		return fmt.Errorf("%w: chain id %s vs %s", errMismatch, file.ChainID(), stored.ChainID())
	}

	if stored.Len() < file.Len() {
		return fmt.Errorf("%w: store has %d blocks, file has %d", errMismatch, stored.Len(), file.Len())
	}

	for i, b := range file.Blocks() {
		sb, _ := stored.Block(uint64(i))
		if sb.Hash != b.Hash {
			return fmt.Errorf("%w: block %d hash %s vs %s", errMismatch, i, b.Hash[:16], sb.Hash[:16])
		}
	}

	return nil
}
