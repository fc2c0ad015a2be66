package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"MedChain/internal/aggregation"
	"MedChain/internal/governance"
	"MedChain/internal/ledger"
	"MedChain/internal/logger"
	"MedChain/internal/metrics"
	"MedChain/internal/orchestrator"
	"MedChain/internal/weights"
)

const (
	// maxBodySize bounds request bodies. Submissions carry full weight sets.
	maxBodySize = 32 << 20
)

// Rounds drives federated rounds.
type Rounds interface {
	StartRound() (*weights.WeightSet, error)
	Submit(s orchestrator.Submission) error
	CloseRound() (orchestrator.Round, error)
	State() orchestrator.State
	RoundNumber() uint64
	GlobalWeights() *weights.WeightSet
	History() []orchestrator.Round
	Pending() []string
}

// Clients manages the participant registry.
type Clients interface {
	Register(id, organization string, datasetSize uint64, quality float64) error
	RegisterWithKey(id, organization string, datasetSize uint64, quality float64, publicKey []byte) error
	Deactivate(id string) error
	Client(id string) (governance.ClientRecord, bool)
	Clients() []governance.ClientRecord
	ActiveClients() []string
}

// Chain exposes the audit ledger read side.
type Chain interface {
	Verify() error
	Blocks() []ledger.Block
	Len() int
	ChainID() string
}

// Server is the HTTP API server.
type Server struct {
	addr    string       // addr is the HTTP listen address
	rounds  Rounds       // rounds runs the round state machine
	clients Clients      // clients is the governance registry
	chain   Chain        // chain is the audit ledger
	server  *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, rounds Rounds, clients Clients, chain Chain) *Server {
	return &Server{
		addr:    addr,
		rounds:  rounds,
		clients: clients,
		chain:   chain,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/clients", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Get("/", s.handleListClients)
		r.Delete("/{id}", s.handleDeactivate)
	})

	r.Route("/rounds", func(r chi.Router) {
		r.Get("/", s.handleHistory)
		r.Post("/start", s.handleStartRound)
		r.Post("/submit", s.handleSubmit)
		r.Post("/close", s.handleCloseRound)
	})

	r.Route("/ledger", func(r chi.Router) {
		r.Get("/valid", s.handleLedgerValid)
		r.Get("/blocks", s.handleBlocks)
	})

	return r
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// instrument records the status and latency of every request by route
// pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))

		log := logger.Debug
		if status >= 500 {
			log = logger.Error
		} else if status >= 400 {
			log = logger.Warn
		}
		log("http request", "method", r.Method, "route", route, "status", status, "duration", time.Since(start))
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, governance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrQuorumNotMet):
		return http.StatusPreconditionFailed
	case errors.Is(err, governance.ErrAlreadyRegistered),
		errors.Is(err, orchestrator.ErrInvalidState),
		errors.Is(err, orchestrator.ErrRoundRecorded):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrBadSignature):
		return http.StatusForbidden
	case errors.Is(err, governance.ErrQualityTooLow),
		errors.Is(err, governance.ErrInvalidQuality),
		errors.Is(err, governance.ErrInvalidClient),
		errors.Is(err, weights.ErrShapeMismatch),
		errors.Is(err, weights.ErrBadTensor),
		errors.Is(err, aggregation.ErrZeroWeight),
		errors.Is(err, orchestrator.ErrEmptyDataset),
		errors.Is(err, orchestrator.ErrInvalidMetric):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeDomainError writes err with the status statusFor picks.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
