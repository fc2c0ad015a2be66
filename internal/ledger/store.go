package ledger

import (
	"encoding/json"
	"fmt"

	"MedChain/internal/logger"
	"MedChain/internal/storage"
)

// prefixBlock keys mirrored blocks: b:<index big-endian> -> block JSON.
var prefixBlock = []byte("b:")

// Open returns a ledger mirrored to db. An existing chain in db is loaded
// and verified; otherwise a genesis block is created and written.
func Open(db *storage.Storage, opts ...Option) (*Ledger, error) {
	var blocks []Block

	err := db.IteratePrefix(prefixBlock, func(_, value []byte) error {
		var b Block
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("decode stored block:\n%w", err)
		}
		blocks = append(blocks, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read stored chain:\n%w", err)
	}

	if len(blocks) == 0 {
		l := New(opts...)
		l.db = db

		if err := saveBlock(db, l.chain[0]); err != nil {
			return nil, err
		}

		return l, nil
	}

	l, err := fromBlocks(blocks, opts)
	if err != nil {
		return nil, fmt.Errorf("stored chain:\n%w", err)
	}
	l.db = db

	logger.Info("ledger restored from storage", "blocks", len(blocks), "chain_id", l.chainID)

	return l, nil
}

// saveBlock writes b to db and waits for the WAL sync.
func saveBlock(db *storage.Storage, b Block) error {
	return saveBlocks(db, []Block{b})
}

// saveBlocks writes blocks in one batch and waits for the WAL sync.
func saveBlocks(db *storage.Storage, blocks []Block) error {
	pairs := make([]storage.KeyValue, len(blocks))

	for i, b := range blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode block %d:\n%w", b.Index, err)
		}

		pairs[i] = storage.KeyValue{Key: storage.Uint64Key(prefixBlock, b.Index), Value: data}
	}

	if err := db.SetBatchDurable(pairs); err != nil {
		return fmt.Errorf("persist blocks %d-%d:\n%w", blocks[0].Index, blocks[len(blocks)-1].Index, err)
	}

	return nil
}
