package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"MedChain/internal/attest"
	"MedChain/internal/weights"
)

// RegisterRequest is the body of POST /clients.
type RegisterRequest struct {
	ID           string  `json:"id"`
	Organization string  `json:"organization"`
	DatasetSize  uint64  `json:"dataset_size"`
	DataQuality  float64 `json:"data_quality"`
	PublicKey    string  `json:"public_key,omitempty"` // hex BLS key
}

// SubmitRequest is the body of POST /rounds/submit.
type SubmitRequest struct {
	ClientID    string             `json:"client_id"`
	Weights     *weights.WeightSet `json:"weights"`
	DatasetSize uint64             `json:"dataset_size"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Signature   string             `json:"signature,omitempty"` // hex BLS signature
}

// decodeBody reads a size-limited JSON body into dst, rejecting unknown
// fields and trailing data.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body")
		}
		return fmt.Errorf("invalid json: %v", err)
	}

	if dec.More() {
		return fmt.Errorf("unexpected data after json body")
	}

	return nil
}

// publicKey decodes the optional hex key. A nil result means no key.
func (req *RegisterRequest) publicKey() ([]byte, error) {
	s := strings.TrimSpace(req.PublicKey)
	if s == "" {
		return nil, nil
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public_key is not hex: %v", err)
	}

	if len(b) != attest.PublicKeySize {
		return nil, fmt.Errorf("public_key must be %d bytes, got %d", attest.PublicKeySize, len(b))
	}

	return b, nil
}

func (req *RegisterRequest) validate() error {
	req.ID = strings.TrimSpace(req.ID)
	req.Organization = strings.TrimSpace(req.Organization)

	if req.ID == "" {
		return fmt.Errorf("id is required")
	}

	if req.DatasetSize == 0 {
		return fmt.Errorf("dataset_size must be positive")
	}

	return nil
}

// signature decodes the optional hex signature.
func (req *SubmitRequest) signature() ([]byte, error) {
	s := strings.TrimSpace(req.Signature)
	if s == "" {
		return nil, nil
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signature is not hex: %v", err)
	}

	if len(b) != attest.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", attest.SignatureSize, len(b))
	}

	return b, nil
}

func (req *SubmitRequest) validate() error {
	req.ClientID = strings.TrimSpace(req.ClientID)

	if req.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	if req.Weights == nil || req.Weights.Len() == 0 {
		return fmt.Errorf("weights are required")
	}

	return nil
}
