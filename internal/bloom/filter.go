// Package bloom builds a membership filter over the event ids in an export
// so readers of the silver tree can rule out an id without scanning Parquet.
package bloom

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
)

// Algorithm names the hashing scheme recorded alongside encoded filters.
const Algorithm = "murmur3_128_double"

const headerSize = 24

// Filter is a bloom filter keyed by event id. It has no false negatives.
// Filters are built once per export and are not safe for concurrent Add.
type Filter struct {
	bits  []uint64
	m     uint64
	k     uint64
	count uint64
}

// Sizing computes bits and hash count for n ids at false positive rate p.
//
//	m = -n ln(p) / ln(2)^2
//	k = (m/n) ln(2)
func Sizing(n int, p float64) (m, k int) {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	bits := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	m = max(int(math.Ceil(bits)), 64)
	k = max(int(math.Ceil(bits/float64(n)*math.Ln2)), 1)
	return m, k
}

// ForEventIDs returns an empty filter sized for n ids.
func ForEventIDs(n int, p float64) *Filter {
	m, k := Sizing(n, p)
	words := (m + 63) / 64
	return &Filter{
		bits: make([]uint64, words),
		m:    uint64(words * 64),
		k:    uint64(k),
	}
}

// Add records an event id.
func (f *Filter) Add(id string) {
	h1, h2 := murmur3.Sum128([]byte(id))
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MayContain reports false only when id was never added.
func (f *Filter) MayContain(id string) bool {
	h1, h2 := murmur3.Sum128([]byte(id))
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count is the number of ids added.
func (f *Filter) Count() uint64 { return f.count }

// Bits is the filter width.
func (f *Filter) Bits() int { return int(f.m) }

// Hashes is the number of probe positions per id.
func (f *Filter) Hashes() int { return int(f.k) }

// EstimatedFPR is (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) EstimatedFPR() float64 {
	if f.count == 0 {
		return 0
	}
	k, n, m := float64(f.k), float64(f.count), float64(f.m)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// Encode packs the filter as base64 of a 24 byte little-endian header
// (bits, hashes, count) followed by the snappy-compressed bit array.
func (f *Filter) Encode() string {
	raw := make([]byte, len(f.bits)*8)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	compressed := snappy.Encode(nil, raw)

	buf := make([]byte, headerSize+len(compressed))
	binary.LittleEndian.PutUint64(buf[0:8], f.m)
	binary.LittleEndian.PutUint64(buf[8:16], f.k)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	copy(buf[headerSize:], compressed)
	return base64.StdEncoding.EncodeToString(buf)
}

// Decode reverses Encode.
func Decode(s string) (*Filter, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bloom: invalid base64: %w", err)
	}
	if len(buf) < headerSize {
		return nil, errors.New("bloom: encoded filter too short")
	}
	m := binary.LittleEndian.Uint64(buf[0:8])
	k := binary.LittleEndian.Uint64(buf[8:16])
	count := binary.LittleEndian.Uint64(buf[16:24])
	if m == 0 || m%64 != 0 || k == 0 {
		return nil, fmt.Errorf("bloom: bad header bits=%d hashes=%d", m, k)
	}

	raw, err := snappy.Decode(nil, buf[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("bloom: snappy decode: %w", err)
	}
	words := m / 64
	if uint64(len(raw)) != words*8 {
		return nil, fmt.Errorf("bloom: expected %d bytes of bits, got %d", words*8, len(raw))
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return &Filter{bits: bits, m: m, k: k, count: count}, nil
}
