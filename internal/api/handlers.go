package api

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"MedChain/internal/governance"
	"MedChain/internal/ledger"
	"MedChain/internal/logger"
	"MedChain/internal/metrics"
	"MedChain/internal/orchestrator"
	"MedChain/internal/weights"
)

// ClientView is a client record as served over HTTP.
type ClientView struct {
	ID           string    `json:"id"`
	Organization string    `json:"organization"`
	DatasetSize  uint64    `json:"dataset_size"`
	DataQuality  float64   `json:"data_quality"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registered_at"`
	PublicKey    string    `json:"public_key,omitempty"`
}

func viewOf(rec governance.ClientRecord) ClientView {
	v := ClientView{
		ID:           rec.ID,
		Organization: rec.Organization,
		DatasetSize:  rec.DatasetSize,
		DataQuality:  rec.DataQuality,
		Active:       rec.Active,
		RegisteredAt: rec.RegisteredAt,
	}
	if len(rec.PublicKey) > 0 {
		v.PublicKey = hex.EncodeToString(rec.PublicKey)
	}
	return v
}

// StartRoundResponse is returned by POST /rounds/start.
type StartRoundResponse struct {
	Round   uint64             `json:"round"`
	Weights *weights.WeightSet `json:"weights"`
}

// SubmitResponse is returned by POST /rounds/submit.
type SubmitResponse struct {
	ClientID string   `json:"client_id"`
	Pending  []string `json:"pending"`
}

// LedgerStatus is returned by GET /ledger/valid.
type LedgerStatus struct {
	Valid  bool   `json:"valid"`
	Blocks int    `json:"blocks"`
	Error  string `json:"error,omitempty"`
}

// Status is returned by GET /status.
type Status struct {
	State         string   `json:"state"`
	Round         uint64   `json:"round"`
	Pending       []string `json:"pending"`
	ActiveClients int      `json:"active_clients"`
	LedgerBlocks  int      `json:"ledger_blocks"`
	ChainID       string   `json:"chain_id"`
	ModelHash     string   `json:"model_hash"`
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		State:         s.rounds.State().String(),
		Round:         s.rounds.RoundNumber(),
		Pending:       s.rounds.Pending(),
		ActiveClients: len(s.clients.ActiveClients()),
		LedgerBlocks:  s.chain.Len(),
		ChainID:       s.chain.ChainID(),
		ModelHash:     s.rounds.GlobalWeights().Digest(),
	})
}

// handleRegister handles POST /clients requests.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pk, err := req.publicKey()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if pk != nil {
		err = s.clients.RegisterWithKey(req.ID, req.Organization, req.DatasetSize, req.DataQuality, pk)
	} else {
		err = s.clients.Register(req.ID, req.Organization, req.DatasetSize, req.DataQuality)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.SetActiveClients(len(s.clients.ActiveClients()))

	rec, _ := s.clients.Client(req.ID)
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

// handleListClients handles GET /clients requests.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	recs := s.clients.Clients()

	out := make([]ClientView, len(recs))
	for i, rec := range recs {
		out[i] = viewOf(rec)
	}

	writeJSON(w, http.StatusOK, out)
}

// handleDeactivate handles DELETE /clients/{id} requests.
func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.clients.Deactivate(id); err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.SetActiveClients(len(s.clients.ActiveClients()))

	rec, _ := s.clients.Client(id)
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// handleStartRound handles POST /rounds/start requests.
func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	ws, err := s.rounds.StartRound()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StartRoundResponse{
		Round:   s.rounds.RoundNumber() + 1,
		Weights: ws,
	})
}

// handleSubmit handles POST /rounds/submit requests.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sig, err := req.signature()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.rounds.Submit(orchestrator.Submission{
		ClientID:    req.ClientID,
		Weights:     req.Weights,
		DatasetSize: req.DatasetSize,
		Metrics:     req.Metrics,
		Signature:   sig,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		ClientID: req.ClientID,
		Pending:  s.rounds.Pending(),
	})
}

// handleCloseRound handles POST /rounds/close requests.
func (s *Server) handleCloseRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.rounds.CloseRound()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, round)
}

// handleHistory handles GET /rounds requests.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rounds.History())
}

// handleLedgerValid handles GET /ledger/valid requests.
func (s *Server) handleLedgerValid(w http.ResponseWriter, r *http.Request) {
	st := LedgerStatus{Valid: true, Blocks: s.chain.Len()}

	if err := s.chain.Verify(); err != nil {
		logger.Error("ledger verification failed", "error", err)
		st.Valid = false
		st.Error = err.Error()
	}

	writeJSON(w, http.StatusOK, st)
}

// handleBlocks handles GET /ledger/blocks requests. The optional from and
// limit query parameters page through the chain.
func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := s.chain.Blocks()

	from, err := queryUint(r, "from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := queryUint(r, "limit", uint64(len(blocks)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if from > uint64(len(blocks)) {
		from = uint64(len(blocks))
	}

	end := from + limit
	if end > uint64(len(blocks)) || end < from {
		end = uint64(len(blocks))
	}

	page := blocks[from:end]
	if page == nil {
		page = []ledger.Block{}
	}

	writeJSON(w, http.StatusOK, page)
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}

	return n, nil
}
