package checkpoint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"MedChain/internal/logger"
	"MedChain/internal/types"
	"MedChain/internal/weights"
)

// ErrCorruptCheckpoint is returned when a checkpoint cannot be decoded or its
// digest does not match the decoded contents.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// ErrNoCheckpoint is returned by Latest when the directory holds none.
var ErrNoCheckpoint = errors.New("no checkpoint")

// fileRe matches checkpoint file names written by FileName.
var fileRe = regexp.MustCompile(`^global_round_(\d+)\.ckpt$`)

// Checkpoint is a global model snapshot taken after a committed round.
type Checkpoint struct {
	Round     uint64
	CreatedAt time.Time
	Weights   *weights.WeightSet
	Metrics   map[string]float64
}

// FileName returns the file name used for round's checkpoint.
func FileName(round uint64) string {
	return fmt.Sprintf("global_round_%d.ckpt", round)
}

// Encode serializes c as a zstd-compressed FlatBuffers table.
func Encode(c *Checkpoint) ([]byte, error) {
	if c.Weights == nil {
		return nil, fmt.Errorf("encode checkpoint: nil weights")
	}

	raw := build(c)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), nil
}

// build writes the uncompressed FlatBuffers form. Children are built
// before their parents as the builder requires.
func build(c *Checkpoint) []byte {
	b := flatbuffers.NewBuilder(1024)

	names := c.Weights.Keys()
	tensorOffs := make([]flatbuffers.UOffsetT, len(names))

	for i, name := range names {
		t, _ := c.Weights.Tensor(name)

		nameOff := b.CreateString(name)

		types.TensorStartShapeVector(b, len(t.Shape))
		for j := len(t.Shape) - 1; j >= 0; j-- {
			b.PrependUint32(uint32(t.Shape[j]))
		}
		shapeOff := b.EndVector(len(t.Shape))

		types.TensorStartValuesVector(b, len(t.Data))
		for j := len(t.Data) - 1; j >= 0; j-- {
			b.PrependFloat64(t.Data[j])
		}
		valuesOff := b.EndVector(len(t.Data))

		types.TensorStart(b)
		types.TensorAddName(b, nameOff)
		types.TensorAddShape(b, shapeOff)
		types.TensorAddValues(b, valuesOff)
		tensorOffs[i] = types.TensorEnd(b)
	}

	types.CheckpointStartTensorsVector(b, len(tensorOffs))
	for i := len(tensorOffs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(tensorOffs[i])
	}
	tensorsVec := b.EndVector(len(tensorOffs))

	keys := make([]string, 0, len(c.Metrics))
	for k := range c.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	metricOffs := make([]flatbuffers.UOffsetT, len(keys))
	for i, k := range keys {
		nameOff := b.CreateString(k)
		types.MetricStart(b)
		types.MetricAddName(b, nameOff)
		types.MetricAddValue(b, c.Metrics[k])
		metricOffs[i] = types.MetricEnd(b)
	}

	types.CheckpointStartMetricsVector(b, len(metricOffs))
	for i := len(metricOffs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(metricOffs[i])
	}
	metricsVec := b.EndVector(len(metricOffs))

	digestOff := b.CreateString(digest(c.Round, c.CreatedAt.UnixNano(), c.Weights, c.Metrics))

	types.CheckpointStart(b)
	types.CheckpointAddRound(b, c.Round)
	types.CheckpointAddCreatedAt(b, c.CreatedAt.UnixNano())
	types.CheckpointAddTensors(b, tensorsVec)
	types.CheckpointAddMetrics(b, metricsVec)
	types.CheckpointAddDigest(b, digestOff)
	types.FinishCheckpointBuffer(b, types.CheckpointEnd(b))

	return b.FinishedBytes()
}

// digest binds the round, creation time and metrics to the weight set
// digest, so editing any stored field is detected on decode.
func digest(round uint64, createdAt int64, ws *weights.WeightSet, metrics map[string]float64) string {
	h := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(createdAt))
	h.Write(buf[:])
	h.Write([]byte(ws.Digest()))

	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		binary.BigEndian.PutUint64(buf[:], uint64(len(k)))
		h.Write(buf[:])
		h.Write([]byte(k))
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(metrics[k]))
		h.Write(buf[:])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Decode reverses Encode and checks the stored digest against every
// decoded field.
func Decode(data []byte) (c *Checkpoint, err error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress:\n%v", ErrCorruptCheckpoint, err)
	}

	// Malformed tables make the accessors index out of range.
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("%w: malformed table: %v", ErrCorruptCheckpoint, r)
		}
	}()

	if len(raw) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: truncated", ErrCorruptCheckpoint)
	}

	fb := types.GetRootAsCheckpoint(raw, 0)

	ws := weights.New()
	var t types.Tensor

	for i := 0; i < fb.TensorsLength(); i++ {
		if !fb.Tensors(&t, i) {
			return nil, fmt.Errorf("%w: read tensor %d", ErrCorruptCheckpoint, i)
		}

		var shape []int
		if n := t.ShapeLength(); n > 0 {
			shape = make([]int, n)
			for j := range shape {
				shape[j] = int(t.Shape(j))
			}
		}

		values := make([]float64, t.ValuesLength())
		for j := range values {
			values[j] = t.Values(j)
		}

		if err := ws.Add(string(t.Name()), shape, values); err != nil {
			return nil, fmt.Errorf("%w: tensor %d:\n%v", ErrCorruptCheckpoint, i, err)
		}
	}

	metrics := make(map[string]float64, fb.MetricsLength())
	var m types.Metric

	for i := 0; i < fb.MetricsLength(); i++ {
		if !fb.Metrics(&m, i) {
			return nil, fmt.Errorf("%w: read metric %d", ErrCorruptCheckpoint, i)
		}
		metrics[string(m.Name())] = m.Value()
	}

	if got, want := digest(fb.Round(), fb.CreatedAt(), ws, metrics), string(fb.Digest()); got != want {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorruptCheckpoint)
	}

	return &Checkpoint{
		Round:     fb.Round(),
		CreatedAt: time.Unix(0, fb.CreatedAt()).UTC(),
		Weights:   ws,
		Metrics:   metrics,
	}, nil
}

// Write encodes c into dir under FileName(c.Round) and returns the path.
func Write(dir string, c *Checkpoint) (string, error) {
	path := filepath.Join(dir, FileName(c.Round))

	if err := WriteFile(path, c); err != nil {
		return "", err
	}

	return path, nil
}

// WriteFile encodes c to path through a temporary sibling.
func WriteFile(path string, c *Checkpoint) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir:\n%w", err)
	}

	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint:\n%w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint:\n%w", err)
	}

	logger.Info("checkpoint saved", "round", c.Round, "path", path, "bytes", len(data))

	return nil
}

// Read loads and verifies the checkpoint at path.
func Read(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint:\n%w", err)
	}

	c, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s:\n%w", path, err)
	}

	return c, nil
}

// Latest returns the path of the highest-round checkpoint in dir.
func Latest(dir string) (string, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, ErrNoCheckpoint
		}
		return "", 0, fmt.Errorf("list checkpoints:\n%w", err)
	}

	var (
		best  string
		round uint64
		found bool
	)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}

		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}

		if !found || n > round {
			best, round, found = e.Name(), n, true
		}
	}

	if !found {
		return "", 0, ErrNoCheckpoint
	}

	return filepath.Join(dir, best), round, nil
}
