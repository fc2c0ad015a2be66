package client

import (
	"encoding/hex"
	"fmt"

	"MedChain/internal/api"
	"MedChain/internal/attest"
	"MedChain/internal/weights"
)

// Participant is one hospital taking part in rounds. When it holds a key,
// its registration publishes the public half and every submission is
// signed.
type Participant struct {
	client       *Client
	id           string
	organization string
	key          *attest.KeyPair // nil for unsigned participants
}

// NewParticipant returns a participant that submits unsigned updates.
func NewParticipant(c *Client, id, organization string) *Participant {
	return &Participant{client: c, id: id, organization: organization}
}

// NewSigningParticipant returns a participant with a fresh BLS key.
func NewSigningParticipant(c *Client, id, organization string) (*Participant, error) {
	key, err := attest.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key for %s:\n%w", id, err)
	}

	return &Participant{client: c, id: id, organization: organization, key: key}, nil
}

// ID returns the participant's client id.
func (p *Participant) ID() string {
	return p.id
}

// PublicKey returns the compressed public key, or nil when unsigned.
func (p *Participant) PublicKey() []byte {
	if p.key == nil {
		return nil
	}
	return p.key.PublicKey()
}

// Register enrolls the participant with the node.
func (p *Participant) Register(datasetSize uint64, quality float64) (api.ClientView, error) {
	req := api.RegisterRequest{
		ID:           p.id,
		Organization: p.organization,
		DatasetSize:  datasetSize,
		DataQuality:  quality,
	}

	if p.key != nil {
		req.PublicKey = hex.EncodeToString(p.key.PublicKey())
	}

	return p.client.Register(req)
}

// Submit sends ws as the participant's update for round.
func (p *Participant) Submit(round uint64, ws *weights.WeightSet, datasetSize uint64, metrics map[string]float64) (api.SubmitResponse, error) {
	req := api.SubmitRequest{
		ClientID:    p.id,
		Weights:     ws,
		DatasetSize: datasetSize,
		Metrics:     metrics,
	}

	if p.key != nil {
		msg := attest.SubmissionMessage(round, p.id, ws.Digest(), datasetSize)
		req.Signature = hex.EncodeToString(p.key.Sign(msg))
	}

	return p.client.Submit(req)
}
