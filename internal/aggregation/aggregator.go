package aggregation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"MedChain/internal/weights"
)

var (
	// ErrShapeMismatch is returned when inputs do not share one schema.
	ErrShapeMismatch = weights.ErrShapeMismatch

	// ErrUnknownStrategy is returned by New for an unrecognized strategy name.
	ErrUnknownStrategy = errors.New("unknown aggregation strategy")

	// ErrNoUpdates is returned when there is nothing to aggregate.
	ErrNoUpdates = errors.New("no updates to aggregate")

	// ErrZeroWeight is returned when the aggregation weights sum to zero or
	// contain a negative or non-finite entry.
	ErrZeroWeight = errors.New("invalid aggregation weights")
)

// Strategy selects how client weight sets are combined.
type Strategy int

const (
	// FedAvg weights each client by its dataset size.
	FedAvg Strategy = iota

	// Weighted uses caller-supplied per-client weights.
	Weighted
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case FedAvg:
		return "fedavg"
	case Weighted:
		return "weighted"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy resolves a configuration name. An empty name means fedavg.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fedavg":
		return FedAvg, nil
	case "weighted":
		return Weighted, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// Aggregator combines client weight sets under one strategy fixed at
// construction. It holds no mutable state and is safe for concurrent use.
type Aggregator struct {
	strategy Strategy
}

// New creates an aggregator for the named strategy.
func New(name string) (*Aggregator, error) {
	s, err := ParseStrategy(name)
	if err != nil {
		return nil, err
	}

	return &Aggregator{strategy: s}, nil
}

// Strategy returns the configured strategy.
func (a *Aggregator) Strategy() Strategy {
	return a.strategy
}

// Aggregate dispatches on the configured strategy: FedAvg uses sizes,
// Weighted uses weights.
func (a *Aggregator) Aggregate(sets []*weights.WeightSet, sizes []uint64, w []float64) (*weights.WeightSet, error) {
	if a.strategy == Weighted {
		return WeightedAverage(sets, w)
	}
	return FederatedAverage(sets, sizes)
}

// FederatedAverage computes, per parameter, sum_i sets[i] * sizes[i]/total.
// Inputs are not modified.
func FederatedAverage(sets []*weights.WeightSet, sizes []uint64) (*weights.WeightSet, error) {
	if len(sets) != len(sizes) {
		return nil, fmt.Errorf("%w: %d weight sets, %d sizes", ErrShapeMismatch, len(sets), len(sizes))
	}

	coeffs := make([]float64, len(sizes))
	for i, s := range sizes {
		coeffs[i] = float64(s)
	}

	return combine(sets, coeffs)
}

// WeightedAverage normalizes w by its sum and combines sets with the result.
func WeightedAverage(sets []*weights.WeightSet, w []float64) (*weights.WeightSet, error) {
	if len(sets) != len(w) {
		return nil, fmt.Errorf("%w: %d weight sets, %d weights", ErrShapeMismatch, len(sets), len(w))
	}

	return combine(sets, w)
}

// combine is the shared weighted mean. coeffs need not be normalized.
func combine(sets []*weights.WeightSet, coeffs []float64) (*weights.WeightSet, error) {
	if len(sets) == 0 {
		return nil, ErrNoUpdates
	}

	var total float64
	for i, c := range coeffs {
		if c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("%w: weight %d is %v", ErrZeroWeight, i, c)
		}
		total += c
	}

	if total <= 0 {
		return nil, fmt.Errorf("%w: weights sum to %v", ErrZeroWeight, total)
	}

	// Check every schema before doing any arithmetic.
	for i := 1; i < len(sets); i++ {
		if err := sets[0].SameSchema(sets[i]); err != nil {
			return nil, fmt.Errorf("update %d:\n%w", i, err)
		}
	}

	out := sets[0].ZerosLike()
	for i, ws := range sets {
		if err := out.AddScaled(ws, coeffs[i]/total); err != nil {
			return nil, fmt.Errorf("update %d:\n%w", i, err)
		}
	}

	return out, nil
}

// ModelDeltaNorm returns the Euclidean norm of new-old over all parameters.
func ModelDeltaNorm(old, new *weights.WeightSet) (float64, error) {
	if old == nil {
		return 0, fmt.Errorf("%w: nil weight set", ErrShapeMismatch)
	}

	sq, err := old.SquaredDistance(new)
	if err != nil {
		return 0, err
	}

	return math.Sqrt(sq), nil
}

// AverageMetrics returns the size-weighted mean of each metric key. A client
// that did not report a key is left out of that key's mean rather than
// counted as zero. Each value is scaled by its normalized share, so finite
// inputs give a finite mean.
func AverageMetrics(metrics []map[string]float64, sizes []uint64) map[string]float64 {
	n := min(len(metrics), len(sizes))

	totals := make(map[string]float64)
	for i := 0; i < n; i++ {
		for k := range metrics[i] {
			totals[k] += float64(sizes[i])
		}
	}

	out := make(map[string]float64, len(totals))
	for i := 0; i < n; i++ {
		size := float64(sizes[i])
		for k, v := range metrics[i] {
			if totals[k] > 0 {
				out[k] += v * (size / totals[k])
			}
		}
	}

	return out
}
