package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"MedChain/internal/logger"
)

// Persist writes the chain as a JSON array of blocks. The file is written
// to a temporary sibling and renamed into place.
func (l *Ledger) Persist(path string) error {
	blocks := l.Blocks()

	data, err := json.MarshalIndent(blocks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chain:\n%w", err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return err
	}

	logger.Info("ledger saved", "path", path, "blocks", len(blocks))

	return nil
}

// Load reads a chain written by Persist. A chain that fails Verify is
// rejected with an error wrapping ErrChainCorrupt.
func Load(path string, opts ...Option) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger:\n%w", err)
	}

	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("decode ledger %s:\n%w", path, err)
	}

	l, err := fromBlocks(blocks, opts)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s:\n%w", path, err)
	}

	logger.Info("ledger loaded", "path", path, "blocks", len(blocks), "chain_id", l.chainID)

	return l, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s:\n%w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file:\n%w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s:\n%w", tmp.Name(), err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s:\n%w", tmp.Name(), err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s:\n%w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s:\n%w", path, err)
	}

	return nil
}
