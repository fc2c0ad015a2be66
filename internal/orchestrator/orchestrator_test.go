package orchestrator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"MedChain/internal/aggregation"
	"MedChain/internal/attest"
	"MedChain/internal/checkpoint"
	"MedChain/internal/governance"
	"MedChain/internal/ledger"
	"MedChain/internal/weights"
)

type fixture struct {
	orch     *Orchestrator
	registry *governance.Registry
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T, strategy string, opts ...Option) *fixture {
	t.Helper()

	reg := governance.New(governance.Config{MinClients: 2, MinDataQuality: 0.5})
	led := ledger.New()

	agg, err := aggregation.New(strategy)
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}

	o, err := New(weights.Scalar(map[string]float64{"w": 0}), reg, led, agg, opts...)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	return &fixture{orch: o, registry: reg, ledger: led}
}

func (f *fixture) register(t *testing.T, id string, size uint64, quality float64) {
	t.Helper()

	if err := f.registry.Register(id, "Hospital "+id, size, quality); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) submit(t *testing.T, id string, w float64, size uint64, m map[string]float64) {
	t.Helper()

	err := f.orch.Submit(Submission{
		ClientID:    id,
		Weights:     weights.Scalar(map[string]float64{"w": w}),
		DatasetSize: size,
		Metrics:     m,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
}

func globalW(t *testing.T, o *Orchestrator) float64 {
	t.Helper()

	v, ok := o.GlobalWeights().Value("w", 0)
	if !ok {
		t.Fatal("global weights missing w")
	}
	return v
}

func TestEndToEndRound(t *testing.T) {
	f := newFixture(t, "fedavg")
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 300, 1.0)

	if _, err := f.orch.StartRound(); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.submit(t, "A", 1.0, 100, map[string]float64{"accuracy": 0.8})
	f.submit(t, "B", 2.0, 300, map[string]float64{"accuracy": 0.9})

	r, err := f.orch.CloseRound()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := globalW(t, f.orch); math.Abs(got-1.75) > 1e-9 {
		t.Errorf("w = %v, want 1.75", got)
	}

	if f.orch.RoundNumber() != 1 || r.Number != 1 {
		t.Errorf("round number = %d (record %d), want 1", f.orch.RoundNumber(), r.Number)
	}

	if f.ledger.Len() != 4 {
		t.Errorf("ledger blocks = %d, want 4", f.ledger.Len())
	}

	if !f.ledger.Validate() || !f.orch.ChainIsValid() {
		t.Error("chain invalid after round")
	}

	if f.orch.State() != Idle {
		t.Errorf("state = %s, want IDLE", f.orch.State())
	}

	if got := r.Metrics["accuracy"]; math.Abs(got-0.875) > 1e-9 {
		t.Errorf("accuracy = %v, want 0.875", got)
	}

	if math.Abs(r.DeltaNorm-1.75) > 1e-9 {
		t.Errorf("delta norm = %v, want 1.75", r.DeltaNorm)
	}

	if r.ModelHash != f.orch.GlobalWeights().Digest() {
		t.Error("model hash does not match global digest")
	}

	blocks := f.ledger.Blocks()
	wantKinds := []ledger.Kind{ledger.KindGenesis, ledger.KindClientUpdate, ledger.KindClientUpdate, ledger.KindRound}
	for i, k := range wantKinds {
		if blocks[i].Payload.Kind() != k {
			t.Errorf("block %d kind = %s, want %s", i, blocks[i].Payload.Kind(), k)
		}
	}

	rec := blocks[3].Payload.(ledger.RoundRecord)
	if rec.Round != 1 || rec.NumClients != 2 || rec.ModelHash != r.ModelHash {
		t.Errorf("round block = %+v", rec)
	}
}

func TestQuorumNotMetKeepsRoundNumber(t *testing.T) {
	f := newFixture(t, "fedavg")
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 300, 1.0)

	f.orch.StartRound()
	f.submit(t, "A", 1.0, 100, nil)

	_, err := f.orch.CloseRound()
	if !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("err = %v, want ErrQuorumNotMet", err)
	}
	if !errors.Is(err, governance.ErrNotEnoughClients) {
		t.Errorf("err = %v, want wrapped ErrNotEnoughClients", err)
	}

	if f.orch.RoundNumber() != 0 {
		t.Errorf("round number = %d, want 0", f.orch.RoundNumber())
	}
	if f.orch.State() != Idle {
		t.Errorf("state = %s, want IDLE", f.orch.State())
	}
	if len(f.orch.Pending()) != 0 {
		t.Errorf("pending = %v, want empty", f.orch.Pending())
	}
	if f.ledger.Len() != 1 {
		t.Errorf("ledger blocks = %d, want 1", f.ledger.Len())
	}

	// The discarded submission is not carried into the next round.
	f.orch.StartRound()
	f.submit(t, "B", 2.0, 300, nil)

	if _, err := f.orch.CloseRound(); !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("second close err = %v, want ErrQuorumNotMet", err)
	}
}

func TestQuorumRejectsInactiveClient(t *testing.T) {
	f := newFixture(t, "fedavg")
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 300, 1.0)

	f.orch.StartRound()
	f.submit(t, "A", 1.0, 100, nil)
	f.submit(t, "B", 2.0, 300, nil)

	if err := f.registry.Deactivate("B"); err != nil {
		t.Fatal(err)
	}

	_, err := f.orch.CloseRound()
	if !errors.Is(err, ErrQuorumNotMet) || !errors.Is(err, governance.ErrInactive) {
		t.Fatalf("err = %v, want ErrQuorumNotMet wrapping ErrInactive", err)
	}
}

func TestStateTransitions(t *testing.T) {
	f := newFixture(t, "fedavg")

	if err := f.orch.Submit(Submission{ClientID: "A", Weights: weights.Scalar(map[string]float64{"w": 1}), DatasetSize: 1}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("submit while idle: %v", err)
	}

	if _, err := f.orch.CloseRound(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("close while idle: %v", err)
	}

	if _, err := f.orch.StartRound(); err != nil {
		t.Fatal(err)
	}

	if _, err := f.orch.StartRound(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second start: %v", err)
	}

	if f.orch.State() != Collecting {
		t.Errorf("state = %s, want COLLECTING", f.orch.State())
	}
}

func TestStartRoundReturnsCopy(t *testing.T) {
	f := newFixture(t, "fedavg")

	snap, err := f.orch.StartRound()
	if err != nil {
		t.Fatal(err)
	}

	if err := snap.AddScaled(weights.Scalar(map[string]float64{"w": 5}), 1); err != nil {
		t.Fatal(err)
	}

	if got := globalW(t, f.orch); got != 0 {
		t.Errorf("global mutated through snapshot: w = %v", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, "fedavg")
	f.register(t, "A", 100, 1.0)
	f.orch.StartRound()

	err := f.orch.Submit(Submission{
		ClientID:    "A",
		Weights:     weights.Scalar(map[string]float64{"w": 1, "extra": 2}),
		DatasetSize: 10,
	})
	if !errors.Is(err, weights.ErrShapeMismatch) {
		t.Errorf("schema mismatch err = %v", err)
	}

	err = f.orch.Submit(Submission{
		ClientID: "A",
		Weights:  weights.Scalar(map[string]float64{"w": 1}),
	})
	if !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("empty dataset err = %v", err)
	}

	err = f.orch.Submit(Submission{
		ClientID:    "A",
		Weights:     weights.Scalar(map[string]float64{"w": 1}),
		DatasetSize: 10,
		Metrics:     map[string]float64{"loss": math.NaN()},
	})
	if !errors.Is(err, ErrInvalidMetric) {
		t.Errorf("nan metric err = %v", err)
	}

	if len(f.orch.Pending()) != 0 {
		t.Errorf("rejected submissions buffered: %v", f.orch.Pending())
	}

	log := f.registry.AccessLog()
	if len(log) != 3 {
		t.Fatalf("access log = %d entries, want 3", len(log))
	}
	for _, e := range log {
		if e.Success || e.Action != actionSubmit {
			t.Errorf("unexpected access entry %+v", e)
		}
	}
}

func TestResubmitLastWriteWins(t *testing.T) {
	f := newFixture(t, "fedavg")
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 100, 1.0)

	f.orch.StartRound()
	f.submit(t, "A", 10.0, 100, nil)
	f.submit(t, "A", 1.0, 100, nil)
	f.submit(t, "B", 3.0, 100, nil)

	if got := f.orch.Pending(); len(got) != 2 {
		t.Fatalf("pending = %v, want [A B]", got)
	}

	r, err := f.orch.CloseRound()
	if err != nil {
		t.Fatal(err)
	}

	if got := globalW(t, f.orch); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("w = %v, want 2", got)
	}

	if len(r.Participants) != 2 || r.Participants[0] != "A" || r.Participants[1] != "B" {
		t.Errorf("participants = %v", r.Participants)
	}
}

func TestWeightedStrategyIsPlainMean(t *testing.T) {
	f := newFixture(t, "weighted")
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 300, 0.5)

	f.orch.StartRound()
	f.submit(t, "A", 3.0, 100, nil)
	f.submit(t, "B", 0.0, 300, nil)

	r, err := f.orch.CloseRound()
	if err != nil {
		t.Fatal(err)
	}

	// neither dataset size nor quality skews the mean
	if got := globalW(t, f.orch); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("w = %v, want 1.5", got)
	}

	if r.Strategy != "weighted" {
		t.Errorf("strategy = %q", r.Strategy)
	}
}

func TestRoundMonotonicity(t *testing.T) {
	f := newFixture(t, "fedavg")
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 100, 1.0)

	for i := 1; i <= 3; i++ {
		f.orch.StartRound()
		f.submit(t, "A", float64(i), 100, nil)
		f.submit(t, "B", float64(i), 100, nil)

		if _, err := f.orch.CloseRound(); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}

		if f.orch.RoundNumber() != uint64(i) {
			t.Fatalf("round number = %d, want %d", f.orch.RoundNumber(), i)
		}
	}

	hist := f.orch.History()
	if len(hist) != 3 {
		t.Fatalf("history = %d rounds, want 3", len(hist))
	}
	for i, r := range hist {
		if r.Number != uint64(i+1) {
			t.Errorf("history[%d].Number = %d", i, r.Number)
		}
	}

	if f.ledger.Len() != 1+3*3 {
		t.Errorf("ledger blocks = %d, want 10", f.ledger.Len())
	}
	if len(f.ledger.Rounds()) != 3 {
		t.Errorf("round blocks = %d, want 3", len(f.ledger.Rounds()))
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	reg := governance.New(governance.Config{MinClients: 50, MinDataQuality: 0})
	led := ledger.New()
	agg, _ := aggregation.New("")

	o, err := New(weights.Scalar(map[string]float64{"w": 0}), reg, led, agg)
	if err != nil {
		t.Fatal(err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		if err := reg.Register(fmt.Sprintf("c%02d", i), "Org", 10, 1); err != nil {
			t.Fatal(err)
		}
	}

	o.StartRound()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o.Submit(Submission{
				ClientID:    fmt.Sprintf("c%02d", i),
				Weights:     weights.Scalar(map[string]float64{"w": 2}),
				DatasetSize: 10,
			})
		}(i)
	}
	wg.Wait()

	if len(o.Pending()) != n {
		t.Fatalf("pending = %d, want %d", len(o.Pending()), n)
	}

	if _, err := o.CloseRound(); err != nil {
		t.Fatal(err)
	}

	if got := globalW(t, o); math.Abs(got-2) > 1e-9 {
		t.Errorf("w = %v, want 2", got)
	}
	if led.Len() != n+2 {
		t.Errorf("ledger blocks = %d, want %d", led.Len(), n+2)
	}
}

func TestSignedSubmissions(t *testing.T) {
	f := newFixture(t, "fedavg")

	keys := map[string]*attest.KeyPair{}
	for i, id := range []string{"A", "B"} {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)

		kp, err := attest.KeyFromSeed(seed)
		if err != nil {
			t.Fatal(err)
		}
		keys[id] = kp

		if err := f.registry.RegisterWithKey(id, "Org", 100, 1.0, kp.PublicKey()); err != nil {
			t.Fatal(err)
		}
	}

	f.orch.StartRound()

	ws := weights.Scalar(map[string]float64{"w": 1})

	if err := f.orch.Submit(Submission{ClientID: "A", Weights: ws, DatasetSize: 100}); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("unsigned err = %v, want ErrBadSignature", err)
	}

	wrong := keys["B"].Sign(attest.SubmissionMessage(1, "A", ws.Digest(), 100))
	if err := f.orch.Submit(Submission{ClientID: "A", Weights: ws, DatasetSize: 100, Signature: wrong}); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong key err = %v, want ErrBadSignature", err)
	}

	var msgs, pks [][]byte
	for _, id := range []string{"A", "B"} {
		msg := attest.SubmissionMessage(1, id, ws.Digest(), 100)
		msgs = append(msgs, msg)
		pks = append(pks, keys[id].PublicKey())

		err := f.orch.Submit(Submission{ClientID: id, Weights: ws, DatasetSize: 100, Signature: keys[id].Sign(msg)})
		if err != nil {
			t.Fatalf("signed submit %s: %v", id, err)
		}
	}

	r, err := f.orch.CloseRound()
	if err != nil {
		t.Fatal(err)
	}

	if r.Attestation == "" {
		t.Fatal("expected an attestation")
	}

	sig, err := hex.DecodeString(r.Attestation)
	if err != nil {
		t.Fatal(err)
	}

	if !attest.VerifyAggregatedMessages(sig, msgs, pks) {
		t.Error("attestation does not verify")
	}

	rec := f.ledger.Tail().Payload.(ledger.RoundRecord)
	if rec.Attestation != r.Attestation {
		t.Error("attestation missing from round block")
	}
}

func TestUnsignedRoundHasNoAttestation(t *testing.T) {
	f := newFixture(t, "fedavg")
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 100, 1.0)

	f.orch.StartRound()
	f.submit(t, "A", 1, 100, nil)
	f.submit(t, "B", 1, 100, nil)

	r, err := f.orch.CloseRound()
	if err != nil {
		t.Fatal(err)
	}

	if r.Attestation != "" {
		t.Errorf("attestation = %q, want empty", r.Attestation)
	}
}

// rejectingLedger hands the real ledger an fl_round block it must refuse,
// after the client_update blocks of the same batch.
type rejectingLedger struct {
	*ledger.Ledger
}

func (l rejectingLedger) RecordRoundBatch(updates []ledger.ClientUpdate, round ledger.RoundRecord) ([]ledger.Block, error) {
	round.Metrics = map[string]float64{"loss": math.Inf(1)}
	return l.Ledger.RecordRoundBatch(updates, round)
}

func TestLedgerFailureKeepsBuffer(t *testing.T) {
	reg := governance.New(governance.Config{MinClients: 2})
	reg.Register("A", "Org", 100, 1)
	reg.Register("B", "Org", 300, 1)

	led := ledger.New()

	agg, _ := aggregation.New("fedavg")
	o, err := New(weights.Scalar(map[string]float64{"w": 0}), reg, rejectingLedger{led}, agg)
	if err != nil {
		t.Fatal(err)
	}

	o.StartRound()
	o.Submit(Submission{ClientID: "A", Weights: weights.Scalar(map[string]float64{"w": 4}), DatasetSize: 100})
	o.Submit(Submission{ClientID: "B", Weights: weights.Scalar(map[string]float64{"w": 4}), DatasetSize: 300})

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := o.CloseRound(); !errors.Is(err, ledger.ErrInvalidPayload) {
			t.Fatalf("close %d: expected ErrInvalidPayload, got %v", attempt, err)
		}

		if led.Len() != 1 {
			t.Fatalf("close %d left %d blocks, want genesis only", attempt, led.Len())
		}
	}

	if o.State() != Collecting {
		t.Errorf("state = %s, want COLLECTING", o.State())
	}
	if o.RoundNumber() != 0 {
		t.Errorf("round number = %d, want 0", o.RoundNumber())
	}
	if got := globalW(t, o); got != 0 {
		t.Errorf("global changed to %v", got)
	}
	if len(o.Pending()) != 2 {
		t.Errorf("pending = %v, want [A B]", o.Pending())
	}
	if !led.Validate() {
		t.Error("ledger invalid after failed closes")
	}
}

func TestLargeMetricsCommit(t *testing.T) {
	f := newFixture(t, "fedavg")
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 300, 1.0)

	f.orch.StartRound()
	f.submit(t, "A", 1.0, 100, map[string]float64{"loss": 1e308})
	f.submit(t, "B", 2.0, 300, map[string]float64{"loss": 1e308})

	r, err := f.orch.CloseRound()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if math.IsInf(r.Metrics["loss"], 0) {
		t.Errorf("loss = %v", r.Metrics["loss"])
	}
	if f.ledger.Len() != 4 {
		t.Errorf("ledger blocks = %d, want 4", f.ledger.Len())
	}
}

func TestStartRoundRefusesRecordedRound(t *testing.T) {
	f := newFixture(t, "fedavg")

	if _, err := f.ledger.RecordRound(1, 2, nil, "", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := f.orch.StartRound(); !errors.Is(err, ErrRoundRecorded) {
		t.Fatalf("StartRound = %v, want ErrRoundRecorded", err)
	}
	if f.orch.State() != Idle {
		t.Errorf("state = %s, want IDLE", f.orch.State())
	}

	cp := &checkpoint.Checkpoint{Round: 1, Weights: weights.Scalar(map[string]float64{"w": 1})}
	if err := f.orch.Resume(cp); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if _, err := f.orch.StartRound(); err != nil {
		t.Errorf("StartRound after resume: %v", err)
	}
}

func TestCheckpointAndResume(t *testing.T) {
	dir := t.TempDir()

	f := newFixture(t, "fedavg", WithCheckpointDir(dir))
	f.register(t, "A", 100, 1.0)
	f.register(t, "B", 300, 1.0)

	f.orch.StartRound()
	f.submit(t, "A", 1.0, 100, map[string]float64{"loss": 0.5})
	f.submit(t, "B", 2.0, 300, map[string]float64{"loss": 0.1})

	if _, err := f.orch.CloseRound(); err != nil {
		t.Fatal(err)
	}

	path, round, err := checkpoint.Latest(dir)
	if err != nil {
		t.Fatalf("auto checkpoint: %v", err)
	}
	if round != 1 {
		t.Errorf("checkpoint round = %d, want 1", round)
	}

	manual := filepath.Join(t.TempDir(), "manual.ckpt")
	if err := f.orch.Checkpoint(manual); err != nil {
		t.Fatal(err)
	}
	if f.orch.State() != Idle || f.orch.RoundNumber() != 1 {
		t.Error("checkpoint changed orchestration state")
	}

	cp, err := checkpoint.Read(path)
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(cp.Metrics["loss"]-0.2) > 1e-9 {
		t.Errorf("checkpoint loss = %v, want 0.2", cp.Metrics["loss"])
	}

	g := newFixture(t, "fedavg")
	if err := g.orch.Resume(cp); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if g.orch.RoundNumber() != 1 {
		t.Errorf("resumed round = %d, want 1", g.orch.RoundNumber())
	}
	if got := globalW(t, g.orch); math.Abs(got-1.75) > 1e-9 {
		t.Errorf("resumed w = %v, want 1.75", got)
	}

	if err := f.orch.Resume(cp); !errors.Is(err, ErrInvalidState) {
		t.Errorf("resume after rounds err = %v, want ErrInvalidState", err)
	}
}

func TestNewRequiresWeights(t *testing.T) {
	agg, _ := aggregation.New("fedavg")

	if _, err := New(weights.New(), governance.New(governance.Config{}), ledger.New(), agg); !errors.Is(err, ErrNoWeights) {
		t.Errorf("err = %v, want ErrNoWeights", err)
	}
}
