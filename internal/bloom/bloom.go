// Package bloom implements the fixed-shape Bloom filter used to gate SST
// reads: ten bits per expected key, seven probes, keyed by a 128-bit
// MurmurHash3 split into its low/high 64-bit halves.
package bloom

import "github.com/bits-and-blooms/bitset"

const (
	// BitsPerKey is the fixed filter sizing factor: ten bits of filter
	// state per key the filter is built for.
	BitsPerKey = 10

	// HashCount is the number of probe indices derived from each key's
	// double hash.
	HashCount = 7

	// hashSeed is the fixed seed passed to murmur3_x64_128. Any constant
	// works as long as writer and reader agree, since this filter's
	// on-disk bytes are never read by anything outside this package.
	hashSeed = 0x5151
)

// Filter is a fixed-size Bloom filter over byte-string keys.
type Filter struct {
	bits    *bitset.BitSet
	bitSize uint64
}

// New builds an empty filter sized for keyCount expected keys. A filter
// built for zero keys has a zero bit_size and answers every query false,
// matching the "empty memtable flush" edge case.
func New(keyCount int) *Filter {
	bitSize := uint64(keyCount) * BitsPerKey
	if bitSize == 0 {
		return &Filter{bits: bitset.New(0), bitSize: 0}
	}
	return &Filter{bits: bitset.New(uint(bitSize)), bitSize: bitSize}
}

// Add records key in the filter. No-op on a zero-sized filter.
func (f *Filter) Add(key []byte) {
	if f.bitSize == 0 {
		return
	}
	for _, idx := range f.probes(key) {
		f.bits.Set(uint(idx))
	}
}

// MayContain reports whether key might have been added. False positives are
// possible; false negatives are not. A zero-sized filter always answers
// false.
func (f *Filter) MayContain(key []byte) bool {
	if f.bitSize == 0 {
		return false
	}
	for _, idx := range f.probes(key) {
		if !f.bits.Test(uint(idx)) {
			return false
		}
	}
	return true
}

// probes returns the HashCount bit indices a key maps to, per the formula
// idx_i = (hi + i*lo) mod bit_size with wrapping 64-bit arithmetic.
func (f *Filter) probes(key []byte) [HashCount]uint64 {
	lo, hi := sum128(key, hashSeed)
	var idxs [HashCount]uint64
	for i := uint64(0); i < HashCount; i++ {
		idxs[i] = (hi + i*lo) % f.bitSize
	}
	return idxs
}

// BitSize returns the filter's bit count (0 for an empty filter).
func (f *Filter) BitSize() uint64 { return f.bitSize }

// ToBytes packs the filter's tested bits into a raw byte slice, one bit per
// key-space index: byte_idx = idx/8, bit_pos = idx%8. The encoding is
// internal to this package; nothing outside it ever parses these bytes
// directly.
func (f *Filter) ToBytes() []byte {
	byteLen := (f.bitSize + 7) / 8
	out := make([]byte, byteLen)
	for i := uint64(0); i < f.bitSize; i++ {
		if f.bits.Test(uint(i)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// FromBytes reconstructs a filter from its bit_size and the raw bytes
// produced by ToBytes.
func FromBytes(bitSize uint64, raw []byte) *Filter {
	if bitSize == 0 {
		return &Filter{bits: bitset.New(0), bitSize: 0}
	}
	bs := bitset.New(uint(bitSize))
	for i := uint64(0); i < bitSize; i++ {
		if raw[i/8]&(1<<(i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return &Filter{bits: bs, bitSize: bitSize}
}
