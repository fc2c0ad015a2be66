package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
)

// GenesisPreviousHash is the previous_hash of the genesis block.
const GenesisPreviousHash = "0"

// genesisMessage is stored in every genesis payload.
const genesisMessage = "Genesis Block - MedChain-FL"

// ErrInvalidPayload is returned by Append for a payload that cannot be
// stored, such as a non-finite metric value.
var ErrInvalidPayload = errors.New("invalid payload")

// Kind identifies a payload variant.
type Kind uint8

const (
	KindGenesis Kind = iota + 1
	KindClientUpdate
	KindRound
)

// String returns the persisted type discriminator.
func (k Kind) String() string {
	switch k {
	case KindGenesis:
		return "genesis"
	case KindClientUpdate:
		return "client_update"
	case KindRound:
		return "fl_round"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "genesis":
		return KindGenesis, nil
	case "client_update":
		return KindClientUpdate, nil
	case "fl_round":
		return KindRound, nil
	default:
		return 0, fmt.Errorf("%w: unknown payload type %q", ErrInvalidPayload, s)
	}
}

// Payload is the closed set of block contents: Genesis, ClientUpdate and
// RoundRecord. The unexported methods keep other packages from adding variants.
type Payload interface {
	Kind() Kind
	encode(e *encoder)
	clone() Payload
	validate() error
}

// Genesis is the payload of block 0.
type Genesis struct {
	Message string `json:"message"`
	ChainID string `json:"chain_id"`
}

// ClientUpdate records one client's contribution to a round.
type ClientUpdate struct {
	Round    uint64             `json:"round"`
	ClientID string             `json:"client_id"`
	DataSize uint64             `json:"data_size"`
	Metrics  map[string]float64 `json:"metrics"`
}

// RoundRecord records one committed federated round.
type RoundRecord struct {
	Round       uint64             `json:"round"`
	NumClients  int                `json:"num_clients"`
	Metrics     map[string]float64 `json:"metrics"`
	ModelHash   string             `json:"model_hash,omitempty"`
	Attestation string             `json:"attestation,omitempty"` // hex aggregated BLS signature
}

func (Genesis) Kind() Kind      { return KindGenesis }
func (ClientUpdate) Kind() Kind { return KindClientUpdate }
func (RoundRecord) Kind() Kind  { return KindRound }

func (g Genesis) encode(e *encoder) {
	e.str(g.Message)
	e.str(g.ChainID)
}

func (c ClientUpdate) encode(e *encoder) {
	e.u64(c.Round)
	e.str(c.ClientID)
	e.u64(c.DataSize)
	e.metrics(c.Metrics)
}

func (r RoundRecord) encode(e *encoder) {
	e.u64(r.Round)
	e.u64(uint64(r.NumClients))
	e.metrics(r.Metrics)
	e.str(r.ModelHash)
	e.str(r.Attestation)
}

func (g Genesis) clone() Payload { return g }

func (c ClientUpdate) clone() Payload {
	c.Metrics = maps.Clone(c.Metrics)
	return c
}

func (r RoundRecord) clone() Payload {
	r.Metrics = maps.Clone(r.Metrics)
	return r
}

func (Genesis) validate() error { return nil }

func (c ClientUpdate) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: empty client id", ErrInvalidPayload)
	}
	return validateMetrics(c.Metrics)
}

func (r RoundRecord) validate() error {
	if r.NumClients < 0 {
		return fmt.Errorf("%w: negative client count", ErrInvalidPayload)
	}
	return validateMetrics(r.Metrics)
}

func validateMetrics(m map[string]float64) error {
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: metric %q is %v", ErrInvalidPayload, k, v)
		}
	}
	return nil
}

// Block is one entry of the chain.
type Block struct {
	Index        uint64
	Timestamp    string // RFC 3339 UTC, hashed verbatim
	Payload      Payload
	PreviousHash string
	Hash         string
}

// blockJSON is the persisted form of a Block.
type blockJSON struct {
	Index        uint64          `json:"index"`
	Timestamp    string          `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// MarshalJSON writes the payload as an object with a "type" discriminator.
func (b Block) MarshalJSON() ([]byte, error) {
	if b.Payload == nil {
		return nil, fmt.Errorf("%w: block %d has no payload", ErrInvalidPayload, b.Index)
	}

	payload, err := marshalPayload(b.Payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(blockJSON{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		Payload:      payload,
		PreviousHash: b.PreviousHash,
		Hash:         b.Hash,
	})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (b *Block) UnmarshalJSON(data []byte) error {
	var raw blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := unmarshalPayload(raw.Payload)
	if err != nil {
		return fmt.Errorf("block %d:\n%w", raw.Index, err)
	}

	*b = Block{
		Index:        raw.Index,
		Timestamp:    raw.Timestamp,
		Payload:      payload,
		PreviousHash: raw.PreviousHash,
		Hash:         raw.Hash,
	}

	return nil
}

// marshalPayload encodes the variant's fields and splices the "type" tag in
// as the first member.
func marshalPayload(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	tag, err := json.Marshal(p.Kind().String())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}

	return out, nil
}

func unmarshalPayload(data []byte) (Payload, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	kind, err := parseKind(head.Type)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindGenesis:
		var g Genesis
		err = json.Unmarshal(data, &g)
		return g, err
	case KindClientUpdate:
		var c ClientUpdate
		err = json.Unmarshal(data, &c)
		return c, err
	default:
		var r RoundRecord
		err = json.Unmarshal(data, &r)
		return r, err
	}
}
