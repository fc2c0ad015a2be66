package weights

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/zeebo/blake3"
)

var (
	// ErrShapeMismatch is returned when two weight sets do not share the same
	// parameter names and per-parameter shapes.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDuplicateKey is returned when a parameter name is added twice.
	ErrDuplicateKey = errors.New("duplicate parameter")

	// ErrBadTensor is returned when a tensor's data does not fill its shape.
	ErrBadTensor = errors.New("bad tensor")
)

// Tensor is a dense row-major array of float64 values.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// numel returns the element count implied by shape.
func numel(shape []int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func (t Tensor) clone() Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)

	data := make([]float64, len(t.Data))
	copy(data, t.Data)

	return Tensor{Shape: shape, Data: data}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WeightSet maps parameter names to tensors. Names keep insertion order and
// the schema (names plus shapes) is fixed once a name is added.
type WeightSet struct {
	keys    []string
	index   map[string]int
	tensors []Tensor
}

// New returns an empty weight set.
func New() *WeightSet {
	return &WeightSet{index: make(map[string]int)}
}

// Add appends a parameter. The data slice is copied.
// A scalar parameter uses an empty shape and exactly one value.
func (ws *WeightSet) Add(name string, shape []int, data []float64) error {
	if _, exists := ws.index[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, name)
	}

	n, ok := numel(shape)
	if !ok || n != len(data) {
		return fmt.Errorf("%w: %q has %d values for shape %v", ErrBadTensor, name, len(data), shape)
	}

	ws.index[name] = len(ws.keys)
	ws.keys = append(ws.keys, name)
	ws.tensors = append(ws.tensors, Tensor{Shape: shape, Data: data}.clone())

	return nil
}

// MustAdd is Add for statically known inputs; it panics on error.
func (ws *WeightSet) MustAdd(name string, shape []int, data []float64) *WeightSet {
	if err := ws.Add(name, shape, data); err != nil {
		panic(err)
	}
	return ws
}

// Scalar builds a weight set with one scalar parameter per entry.
func Scalar(values map[string]float64) *WeightSet {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	ws := New()
	for _, k := range names {
		ws.MustAdd(k, nil, []float64{values[k]})
	}
	return ws
}

// Len returns the number of parameters.
func (ws *WeightSet) Len() int {
	return len(ws.keys)
}

// Keys returns a copy of the parameter names in insertion order.
func (ws *WeightSet) Keys() []string {
	out := make([]string, len(ws.keys))
	copy(out, ws.keys)
	return out
}

// Tensor returns a copy of the named tensor.
func (ws *WeightSet) Tensor(name string) (Tensor, bool) {
	i, ok := ws.index[name]
	if !ok {
		return Tensor{}, false
	}
	return ws.tensors[i].clone(), true
}

// Value returns element j of the named tensor.
func (ws *WeightSet) Value(name string, j int) (float64, bool) {
	i, ok := ws.index[name]
	if !ok || j < 0 || j >= len(ws.tensors[i].Data) {
		return 0, false
	}
	return ws.tensors[i].Data[j], true
}

// NumElements returns the total element count over all parameters.
func (ws *WeightSet) NumElements() int {
	n := 0
	for _, t := range ws.tensors {
		n += len(t.Data)
	}
	return n
}

// Clone returns a deep copy.
func (ws *WeightSet) Clone() *WeightSet {
	out := &WeightSet{
		keys:    make([]string, len(ws.keys)),
		index:   make(map[string]int, len(ws.index)),
		tensors: make([]Tensor, len(ws.tensors)),
	}

	copy(out.keys, ws.keys)
	for k, v := range ws.index {
		out.index[k] = v
	}
	for i, t := range ws.tensors {
		out.tensors[i] = t.clone()
	}

	return out
}

// ZerosLike returns a weight set with the same schema and all values zero.
func (ws *WeightSet) ZerosLike() *WeightSet {
	out := ws.Clone()
	for i := range out.tensors {
		clear(out.tensors[i].Data)
	}
	return out
}

// SameSchema reports whether other has the same parameter names and shapes.
// Name order is not significant.
func (ws *WeightSet) SameSchema(other *WeightSet) error {
	if other == nil {
		return fmt.Errorf("%w: nil weight set", ErrShapeMismatch)
	}

	if len(ws.keys) != len(other.keys) {
		return fmt.Errorf("%w: %d parameters vs %d", ErrShapeMismatch, len(ws.keys), len(other.keys))
	}

	for i, name := range ws.keys {
		j, ok := other.index[name]
		if !ok {
			return fmt.Errorf("%w: missing parameter %q", ErrShapeMismatch, name)
		}

		if !sameShape(ws.tensors[i].Shape, other.tensors[j].Shape) {
			return fmt.Errorf("%w: %q has shape %v vs %v", ErrShapeMismatch, name, ws.tensors[i].Shape, other.tensors[j].Shape)
		}
	}

	return nil
}

// AddScaled accumulates src*scale into ws. Schemas must match.
func (ws *WeightSet) AddScaled(src *WeightSet, scale float64) error {
	if err := ws.SameSchema(src); err != nil {
		return err
	}

	for i, name := range ws.keys {
		dst := ws.tensors[i].Data
		s := src.tensors[src.index[name]].Data
		for j := range dst {
			dst[j] += s[j] * scale
		}
	}

	return nil
}

// SquaredDistance returns the sum over all elements of (other-ws)^2.
func (ws *WeightSet) SquaredDistance(other *WeightSet) (float64, error) {
	if err := ws.SameSchema(other); err != nil {
		return 0, err
	}

	var sum float64
	for i, name := range ws.keys {
		a := ws.tensors[i].Data
		b := other.tensors[other.index[name]].Data
		for j := range a {
			d := b[j] - a[j]
			sum += d * d
		}
	}

	return sum, nil
}

// Digest returns the hex blake3 digest of the weight set. Parameters are
// hashed in sorted name order so insertion order does not affect the result.
func (ws *WeightSet) Digest() string {
	names := ws.Keys()
	sort.Strings(names)

	h := blake3.New()
	var buf [8]byte

	for _, name := range names {
		t := ws.tensors[ws.index[name]]

		binary.BigEndian.PutUint64(buf[:], uint64(len(name)))
		h.Write(buf[:])
		h.Write([]byte(name))

		binary.BigEndian.PutUint64(buf[:], uint64(len(t.Shape)))
		h.Write(buf[:])
		for _, d := range t.Shape {
			binary.BigEndian.PutUint64(buf[:], uint64(d))
			h.Write(buf[:])
		}

		for _, v := range t.Data {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// jsonParam is one parameter in the JSON form.
type jsonParam struct {
	Name string `json:"name"`
	Tensor
}

// MarshalJSON encodes the weight set as an ordered list of parameters.
func (ws *WeightSet) MarshalJSON() ([]byte, error) {
	params := make([]jsonParam, len(ws.keys))
	for i, name := range ws.keys {
		params[i] = jsonParam{Name: name, Tensor: ws.tensors[i]}
	}
	return json.Marshal(params)
}

// UnmarshalJSON decodes the form written by MarshalJSON, validating shapes.
func (ws *WeightSet) UnmarshalJSON(data []byte) error {
	var params []jsonParam
	if err := json.Unmarshal(data, &params); err != nil {
		return err
	}

	fresh := New()
	for _, p := range params {
		if err := fresh.Add(p.Name, p.Shape, p.Data); err != nil {
			return err
		}
	}

	*ws = *fresh
	return nil
}
