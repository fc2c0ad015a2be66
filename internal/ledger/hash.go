package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"github.com/zeebo/blake3"
)

// hashDomain prefixes every block hash input.
const hashDomain = "medchain-block-v1"

// encoder writes the canonical, length-prefixed form of a block into a
// blake3 hasher. Map entries are written in sorted key order so the digest
// does not depend on map iteration.
type encoder struct {
	h   *blake3.Hasher
	buf [8]byte
}

func (e *encoder) u64(v uint64) {
	binary.BigEndian.PutUint64(e.buf[:], v)
	e.h.Write(e.buf[:])
}

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.h.Write([]byte(s))
}

func (e *encoder) f64(v float64) {
	e.u64(math.Float64bits(v))
}

func (e *encoder) metrics(m map[string]float64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.u64(uint64(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.f64(m[k])
	}
}

// computeHash returns H(index, timestamp, payload, previous_hash) as hex.
// The stored Hash field is not part of the input.
func computeHash(b Block) string {
	e := &encoder{h: blake3.New()}

	e.str(hashDomain)
	e.u64(b.Index)
	e.str(b.Timestamp)

	if b.Payload != nil {
		e.u64(uint64(b.Payload.Kind()))
		b.Payload.encode(e)
	} else {
		e.u64(0)
	}

	e.str(b.PreviousHash)

	return hex.EncodeToString(e.h.Sum(nil))
}
