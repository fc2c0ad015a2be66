package orchestrator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"MedChain/internal/aggregation"
	"MedChain/internal/attest"
	"MedChain/internal/checkpoint"
	"MedChain/internal/governance"
	"MedChain/internal/ledger"
	"MedChain/internal/logger"
	"MedChain/internal/metrics"
	"MedChain/internal/weights"
)

var (
	// ErrInvalidState is returned when an operation does not fit the current
	// round state, such as submitting while no round is open.
	ErrInvalidState = errors.New("invalid round state")

	// ErrQuorumNotMet is returned by CloseRound when the submitted client set
	// fails the registry's aggregation check. The buffer is discarded.
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrEmptyDataset is returned for a submission with a zero dataset size.
	ErrEmptyDataset = errors.New("empty dataset")

	// ErrBadSignature is returned when a client holding a registered key
	// submits without a valid signature.
	ErrBadSignature = errors.New("bad submission signature")

	// ErrInvalidMetric is returned for a submitted metric that is NaN or
	// infinite.
	ErrInvalidMetric = errors.New("invalid metric")

	// ErrRoundRecorded is returned by StartRound when the ledger already
	// holds a round at or past the one about to open.
	ErrRoundRecorded = errors.New("round already recorded")

	// ErrNoWeights is returned when the orchestrator is built without an
	// initial global model.
	ErrNoWeights = errors.New("no global weights")
)

// Access log actions.
const (
	actionSubmit    = "submit_update"
	actionAggregate = "aggregate"
)

// State is the phase of the current round.
type State int

const (
	Idle State = iota
	Collecting
	Aggregating
	Committed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Collecting:
		return "COLLECTING"
	case Aggregating:
		return "AGGREGATING"
	case Committed:
		return "COMMITTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Governance is the registry surface the orchestrator consults.
type Governance interface {
	CheckAggregate(ids []string) error
	LogAccess(id, action string, success bool)
	Client(id string) (governance.ClientRecord, bool)
}

// AuditLog is the ledger surface the orchestrator writes to.
type AuditLog interface {
	RecordRoundBatch(updates []ledger.ClientUpdate, round ledger.RoundRecord) ([]ledger.Block, error)
	LastRound() uint64
	Validate() bool
	Len() int
}

// Submission is one client's locally trained update for the open round.
type Submission struct {
	ClientID    string
	Weights     *weights.WeightSet
	DatasetSize uint64
	Metrics     map[string]float64
	Signature   []byte // BLS over attest.SubmissionMessage, optional for keyless clients
}

// Round is a committed round. It is never modified after commit.
type Round struct {
	Number       uint64             `json:"number"`
	Participants []string           `json:"participants"`
	Metrics      map[string]float64 `json:"metrics"`
	DeltaNorm    float64            `json:"delta_norm"`
	ModelHash    string             `json:"model_hash"`
	Strategy     string             `json:"strategy"`
	Attestation  string             `json:"attestation,omitempty"`
	CommittedAt  time.Time          `json:"committed_at"`
}

func (r Round) clone() Round {
	r.Participants = append([]string(nil), r.Participants...)
	r.Metrics = copyMetrics(r.Metrics)
	return r
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCheckpointDir makes every commit write global_round_<n>.ckpt into dir.
func WithCheckpointDir(dir string) Option {
	return func(o *Orchestrator) {
		o.checkpointDir = dir
	}
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator drives federated rounds one at a time. Every method is
// safe for concurrent use; submissions and close share one lock so no
// update can slip in once quorum evaluation has started.
type Orchestrator struct {
	mu sync.Mutex

	registry Governance
	ledger   AuditLog
	agg      *aggregation.Aggregator

	state       State
	round       uint64 // last committed round number
	global      *weights.WeightSet
	history     []Round
	lastMetrics map[string]float64

	buffer map[string]Submission

	checkpointDir string
	now           func() time.Time
}

// New returns an idle orchestrator holding a copy of global.
func New(global *weights.WeightSet, registry Governance, audit AuditLog, agg *aggregation.Aggregator, opts ...Option) (*Orchestrator, error) {
	if global == nil || global.Len() == 0 {
		return nil, ErrNoWeights
	}

	if registry == nil || audit == nil || agg == nil {
		return nil, fmt.Errorf("orchestrator: registry, ledger and aggregator are required")
	}

	o := &Orchestrator{
		registry: registry,
		ledger:   audit,
		agg:      agg,
		state:    Idle,
		global:   global.Clone(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	metrics.SetLedgerBlocks(audit.Len())

	return o, nil
}

// StartRound opens round RoundNumber()+1 and returns a copy of the global
// weights to hand to clients.
func (o *Orchestrator) StartRound() (*weights.WeightSet, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Idle {
		return nil, fmt.Errorf("%w: start round in %s", ErrInvalidState, o.state)
	}

	if last := o.ledger.LastRound(); o.round < last {
		return nil, fmt.Errorf("%w: ledger holds round %d, orchestrator is at %d", ErrRoundRecorded, last, o.round)
	}

	o.state = Collecting
	o.buffer = make(map[string]Submission)

	logger.Info("round started", "round", o.round+1, "params", o.global.Len())

	return o.global.Clone(), nil
}

// Submit buffers a client update for the open round. A second submission
// from the same client replaces the first.
func (o *Orchestrator) Submit(s Submission) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.submitLocked(s)

	o.registry.LogAccess(s.ClientID, actionSubmit, err == nil)

	if err != nil {
		metrics.Submission("rejected")
		logger.Warn("submission rejected", "round", o.round+1, "client", s.ClientID, "error", err)
		return err
	}

	metrics.Submission("accepted")

	return nil
}

func (o *Orchestrator) submitLocked(s Submission) error {
	if o.state != Collecting {
		return fmt.Errorf("%w: submit in %s", ErrInvalidState, o.state)
	}

	if s.ClientID == "" {
		return fmt.Errorf("%w: empty client id", governance.ErrInvalidClient)
	}

	if s.Weights == nil {
		return fmt.Errorf("%w: no weights from %s", weights.ErrShapeMismatch, s.ClientID)
	}

	if s.DatasetSize == 0 {
		return fmt.Errorf("%w: client %s", ErrEmptyDataset, s.ClientID)
	}

	if err := o.global.SameSchema(s.Weights); err != nil {
		return fmt.Errorf("client %s:\n%w", s.ClientID, err)
	}

	for k, v := range s.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %q from client %s", ErrInvalidMetric, k, s.ClientID)
		}
	}

	signed, err := o.checkSignature(s)
	if err != nil {
		return err
	}

	_, replaced := o.buffer[s.ClientID]

	buffered := Submission{
		ClientID:    s.ClientID,
		Weights:     s.Weights.Clone(),
		DatasetSize: s.DatasetSize,
		Metrics:     copyMetrics(s.Metrics),
	}
	if signed {
		buffered.Signature = append([]byte(nil), s.Signature...)
	}
	o.buffer[s.ClientID] = buffered

	logger.Debug("submission buffered", "round", o.round+1, "client", s.ClientID, "size", s.DatasetSize, "replaced", replaced)

	return nil
}

// checkSignature verifies s against the client's registered key and
// reports whether it carried a verified signature. Clients registered
// without a key may submit unsigned; any signature they send is ignored.
func (o *Orchestrator) checkSignature(s Submission) (bool, error) {
	rec, ok := o.registry.Client(s.ClientID)
	if !ok || len(rec.PublicKey) == 0 {
		return false, nil
	}

	if len(s.Signature) == 0 {
		return false, fmt.Errorf("%w: client %s did not sign", ErrBadSignature, s.ClientID)
	}

	msg := attest.SubmissionMessage(o.round+1, s.ClientID, s.Weights.Digest(), s.DatasetSize)
	if !attest.Verify(s.Signature, msg, rec.PublicKey) {
		return false, fmt.Errorf("%w: client %s", ErrBadSignature, s.ClientID)
	}

	return true, nil
}

// CloseRound aggregates the buffered submissions and commits the round.
// On ErrQuorumNotMet the buffer is dropped and the state returns to Idle
// with the round number unchanged. On an aggregation or ledger error the
// state returns to Collecting with the buffer kept.
func (o *Orchestrator) CloseRound() (Round, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Collecting {
		return Round{}, fmt.Errorf("%w: close round in %s", ErrInvalidState, o.state)
	}

	o.state = Aggregating
	number := o.round + 1

	ids := make([]string, 0, len(o.buffer))
	for id := range o.buffer {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if err := o.registry.CheckAggregate(ids); err != nil {
		logger.Warn("quorum not met", "round", number, "submitted", len(ids), "reason", err)
		metrics.RoundFailed("quorum")

		o.buffer = nil
		o.state = Idle

		return Round{}, fmt.Errorf("%w: round %d:\n%w", ErrQuorumNotMet, number, err)
	}

	r, next, err := o.aggregateLocked(number, ids)
	if err != nil {
		logger.Error("round aggregation failed", "round", number, "error", err)
		metrics.RoundFailed("aggregation")

		o.state = Collecting

		return Round{}, fmt.Errorf("aggregate round %d:\n%w", number, err)
	}

	if err := o.recordLocked(r, ids); err != nil {
		logger.Error("round ledger write failed", "round", number, "error", err)
		metrics.RoundFailed("ledger")

		o.state = Collecting

		return Round{}, fmt.Errorf("record round %d:\n%w", number, err)
	}

	o.state = Committed
	o.global = next
	o.round = number
	o.history = append(o.history, r)
	o.lastMetrics = copyMetrics(r.Metrics)
	o.buffer = nil

	for _, id := range ids {
		o.registry.LogAccess(id, actionAggregate, true)
	}

	metrics.RoundCommitted(r.DeltaNorm)
	metrics.SetLedgerBlocks(o.ledger.Len())

	logger.Info("round committed",
		"round", number,
		"clients", len(ids),
		"strategy", r.Strategy,
		"delta_norm", r.DeltaNorm,
		"model", r.ModelHash[:16],
	)

	if o.checkpointDir != "" {
		cp := o.checkpointLocked()
		if _, err := checkpoint.Write(o.checkpointDir, cp); err != nil {
			// The round is committed; a missing checkpoint does not undo it.
			logger.Error("auto checkpoint failed", "round", number, "error", err)
		}
	}

	o.state = Idle

	return r.clone(), nil
}

// aggregateLocked computes the next global model and the round record
// without touching orchestrator state.
func (o *Orchestrator) aggregateLocked(number uint64, ids []string) (Round, *weights.WeightSet, error) {
	sets := make([]*weights.WeightSet, len(ids))
	sizes := make([]uint64, len(ids))
	coeffs := make([]float64, len(ids))
	clientMetrics := make([]map[string]float64, len(ids))

	for i, id := range ids {
		s := o.buffer[id]
		sets[i] = s.Weights
		sizes[i] = s.DatasetSize
		clientMetrics[i] = s.Metrics
		coeffs[i] = 1 // weighted without per-client weights is a plain mean
	}

	next, err := o.agg.Aggregate(sets, sizes, coeffs)
	if err != nil {
		return Round{}, nil, err
	}

	norm, err := aggregation.ModelDeltaNorm(o.global, next)
	if err != nil {
		return Round{}, nil, err
	}

	r := Round{
		Number:       number,
		Participants: ids,
		Metrics:      aggregation.AverageMetrics(clientMetrics, sizes),
		DeltaNorm:    norm,
		ModelHash:    next.Digest(),
		Strategy:     o.agg.Strategy().String(),
		Attestation:  o.attestationLocked(ids),
		CommittedAt:  o.now().UTC(),
	}

	return r, next, nil
}

// attestationLocked aggregates the participants' signatures when every one
// of them signed. It returns "" otherwise.
func (o *Orchestrator) attestationLocked(ids []string) string {
	sigs := make([][]byte, 0, len(ids))
	for _, id := range ids {
		sig := o.buffer[id].Signature
		if len(sig) == 0 {
			return ""
		}
		sigs = append(sigs, sig)
	}

	agg, err := attest.AggregateSignatures(sigs)
	if err != nil {
		logger.Warn("signature aggregation failed", "error", err)
		return ""
	}

	return hex.EncodeToString(agg)
}

// recordLocked writes one client_update block per participant followed by
// the fl_round block, all in one ledger batch.
func (o *Orchestrator) recordLocked(r Round, ids []string) error {
	updates := make([]ledger.ClientUpdate, len(ids))
	for i, id := range ids {
		s := o.buffer[id]
		updates[i] = ledger.ClientUpdate{
			Round:    r.Number,
			ClientID: id,
			DataSize: s.DatasetSize,
			Metrics:  s.Metrics,
		}
	}

	_, err := o.ledger.RecordRoundBatch(updates, ledger.RoundRecord{
		Round:       r.Number,
		NumClients:  len(ids),
		Metrics:     r.Metrics,
		ModelHash:   r.ModelHash,
		Attestation: r.Attestation,
	})

	return err
}

// Checkpoint writes the global model, round number and last round metrics
// to path. Orchestration state is not changed.
func (o *Orchestrator) Checkpoint(path string) error {
	o.mu.Lock()
	cp := o.checkpointLocked()
	o.mu.Unlock()

	return checkpoint.WriteFile(path, cp)
}

func (o *Orchestrator) checkpointLocked() *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		Round:     o.round,
		CreatedAt: o.now().UTC(),
		Weights:   o.global.Clone(),
		Metrics:   copyMetrics(o.lastMetrics),
	}
}

// Resume restores the round number and global model from cp. It is only
// allowed on an idle orchestrator that has not committed a round.
func (o *Orchestrator) Resume(cp *checkpoint.Checkpoint) error {
	if cp == nil || cp.Weights == nil || cp.Weights.Len() == 0 {
		return ErrNoWeights
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Idle || len(o.history) > 0 {
		return fmt.Errorf("%w: resume after rounds were run", ErrInvalidState)
	}

	o.round = cp.Round
	o.global = cp.Weights.Clone()
	o.lastMetrics = copyMetrics(cp.Metrics)

	logger.Info("resumed from checkpoint", "round", cp.Round, "params", cp.Weights.Len())

	return nil
}

// State returns the current round phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// RoundNumber returns the number of the last committed round.
func (o *Orchestrator) RoundNumber() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.round
}

// GlobalWeights returns a copy of the current global model.
func (o *Orchestrator) GlobalWeights() *weights.WeightSet {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.global.Clone()
}

// History returns copies of the committed rounds in order.
func (o *Orchestrator) History() []Round {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Round, len(o.history))
	for i, r := range o.history {
		out[i] = r.clone()
	}
	return out
}

// Pending returns the sorted ids buffered in the open round.
func (o *Orchestrator) Pending() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.buffer))
	for id := range o.buffer {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// ChainIsValid reports whether the audit ledger passes validation.
func (o *Orchestrator) ChainIsValid() bool {
	return o.ledger.Validate()
}

func copyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
