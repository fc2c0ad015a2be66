package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"MedChain/internal/logger"
	"MedChain/internal/storage"
)

// ErrChainCorrupt is returned when a chain fails integrity checks.
var ErrChainCorrupt = errors.New("chain corrupt")

// CorruptError reports the first block that failed verification.
type CorruptError struct {
	Index  uint64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("chain corrupt at block %d: %s", e.Index, e.Reason)
}

// Unwrap makes errors.Is(err, ErrChainCorrupt) hold.
func (e *CorruptError) Unwrap() error {
	return ErrChainCorrupt
}

// Ledger is an append-only hash chain of audit blocks.
// It is safe for concurrent access; appends are serialized.
type Ledger struct {
	mu      sync.RWMutex
	chain   []Block
	chainID string
	db      *storage.Storage // optional mirror
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates an in-memory ledger holding a fresh genesis block.
func New(opts ...Option) *Ledger {
	l := newLedger(opts)
	l.chain = []Block{l.genesis()}

	logger.Info("ledger initialized", "chain_id", l.chainID)

	return l
}

func newLedger(opts []Option) *Ledger {
	l := &Ledger{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) genesis() Block {
	l.chainID = uuid.NewString()

	b := Block{
		Index:        0,
		Timestamp:    l.timestamp(),
		Payload:      Genesis{Message: genesisMessage, ChainID: l.chainID},
		PreviousHash: GenesisPreviousHash,
	}
	b.Hash = computeHash(b)

	return b
}

func (l *Ledger) timestamp() string {
	return l.now().UTC().Format(time.RFC3339Nano)
}

// fromBlocks builds a ledger around an existing chain, rejecting it if it
// fails verification.
func fromBlocks(blocks []Block, opts []Option) (*Ledger, error) {
	if len(blocks) == 0 {
		return nil, &CorruptError{Index: 0, Reason: "empty chain"}
	}

	l := newLedger(opts)
	l.chain = blocks

	if err := l.Verify(); err != nil {
		return nil, err
	}

	if g, ok := blocks[0].Payload.(Genesis); ok {
		l.chainID = g.ChainID
	}

	return l, nil
}

// Append adds a block for payload and returns it. Reading the tail,
// hashing and pushing happen under one lock.
func (l *Ledger) Append(p Payload) (Block, error) {
	blocks, err := l.AppendAll(p)
	if err != nil {
		return Block{}, err
	}
	return blocks[0], nil
}

// AppendAll chains one block per payload, in order, as a single unit:
// every payload is validated and the whole run is mirrored in one store
// batch before any block becomes visible. On error nothing is appended.
func (l *Ledger) AppendAll(ps ...Payload) ([]Block, error) {
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: no payloads", ErrInvalidPayload)
	}

	for i, p := range ps {
		if p == nil {
			return nil, fmt.Errorf("%w: nil payload at %d", ErrInvalidPayload, i)
		}

		if err := p.validate(); err != nil {
			return nil, err
		}

		if p.Kind() == KindGenesis {
			return nil, fmt.Errorf("%w: genesis can only be block 0", ErrInvalidPayload)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tail := l.chain[len(l.chain)-1]
	ts := l.timestamp()

	blocks := make([]Block, len(ps))
	for i, p := range ps {
		b := Block{
			Index:        tail.Index + 1,
			Timestamp:    ts,
			Payload:      p.clone(),
			PreviousHash: tail.Hash,
		}
		b.Hash = computeHash(b)

		blocks[i] = b
		tail = b
	}

	if l.db != nil {
		if err := saveBlocks(l.db, blocks); err != nil {
			return nil, err
		}
	}

	l.chain = append(l.chain, blocks...)

	out := make([]Block, len(blocks))
	for i, b := range blocks {
		logger.Debug("block appended", "index", b.Index, "type", b.Payload.Kind(), "hash", b.Hash[:16])
		out[i] = copyBlock(b)
	}

	return out, nil
}

// RecordClientUpdate appends a client_update block.
func (l *Ledger) RecordClientUpdate(round uint64, clientID string, dataSize uint64, metrics map[string]float64) (Block, error) {
	return l.Append(ClientUpdate{
		Round:    round,
		ClientID: clientID,
		DataSize: dataSize,
		Metrics:  metrics,
	})
}

// RecordRound appends an fl_round block. modelHash and attestation may be empty.
func (l *Ledger) RecordRound(round uint64, numClients int, metrics map[string]float64, modelHash, attestation string) (Block, error) {
	return l.Append(RoundRecord{
		Round:       round,
		NumClients:  numClients,
		Metrics:     metrics,
		ModelHash:   modelHash,
		Attestation: attestation,
	})
}

// RecordRoundBatch appends the round's client_update blocks followed by
// its fl_round block as one unit. Either all of them land or none does.
func (l *Ledger) RecordRoundBatch(updates []ClientUpdate, round RoundRecord) ([]Block, error) {
	ps := make([]Payload, 0, len(updates)+1)
	for _, u := range updates {
		ps = append(ps, u)
	}
	ps = append(ps, round)

	return l.AppendAll(ps...)
}

// LastRound returns the number of the newest fl_round block, or 0 when
// no round has been recorded.
func (l *Ledger) LastRound() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.chain) - 1; i > 0; i-- {
		if r, ok := l.chain[i].Payload.(RoundRecord); ok {
			return r.Round
		}
	}
	return 0
}

// Validate reports whether every block hash and link is intact.
func (l *Ledger) Validate() bool {
	return l.Verify() == nil
}

// Verify re-derives every block hash, checks every link and payload, and
// returns a *CorruptError for the first failure. Nothing is cached between calls.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return verifyChain(l.chain)
}

func verifyChain(chain []Block) error {
	for i, b := range chain {
		idx := uint64(i)

		if b.Index != idx {
			return &CorruptError{Index: idx, Reason: fmt.Sprintf("index %d out of sequence", b.Index)}
		}

		if b.Payload == nil {
			return &CorruptError{Index: idx, Reason: "missing payload"}
		}

		if b.Hash != computeHash(b) {
			logger.Error("invalid hash", "block", idx)
			return &CorruptError{Index: idx, Reason: "hash mismatch"}
		}

		if err := b.Payload.validate(); err != nil {
			return &CorruptError{Index: idx, Reason: err.Error()}
		}

		if i == 0 {
			if b.PreviousHash != GenesisPreviousHash || b.Payload.Kind() != KindGenesis {
				return &CorruptError{Index: 0, Reason: "malformed genesis"}
			}
			continue
		}

		if b.Payload.Kind() == KindGenesis {
			return &CorruptError{Index: idx, Reason: "genesis payload after block 0"}
		}

		if b.PreviousHash != chain[i-1].Hash {
			logger.Error("invalid previous hash", "block", idx)
			return &CorruptError{Index: idx, Reason: "previous hash mismatch"}
		}
	}

	return nil
}

// Len returns the number of blocks including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.chain)
}

// ChainID returns the id stored in the genesis block.
func (l *Ledger) ChainID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.chainID
}

// Tail returns a copy of the last block.
func (l *Ledger) Tail() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return copyBlock(l.chain[len(l.chain)-1])
}

// Block returns a copy of block i.
func (l *Ledger) Block(i uint64) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i >= uint64(len(l.chain)) {
		return Block{}, false
	}
	return copyBlock(l.chain[i]), true
}

// Blocks returns copies of all blocks.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Block, len(l.chain))
	for i, b := range l.chain {
		out[i] = copyBlock(b)
	}
	return out
}

// Rounds returns copies of the fl_round blocks in chain order.
func (l *Ledger) Rounds() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Block
	for _, b := range l.chain {
		if b.Payload.Kind() == KindRound {
			out = append(out, copyBlock(b))
		}
	}
	return out
}

func copyBlock(b Block) Block {
	if b.Payload != nil {
		b.Payload = b.Payload.clone()
	}
	return b
}
