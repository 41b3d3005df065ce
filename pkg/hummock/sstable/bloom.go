package sstable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// bloomBitsPerKey tunes the filter to roughly a 1% false-positive rate
const bloomBitsPerKey = 10

// BloomFilter is a split-free bloom filter over user-key hashes
type BloomFilter struct {
	bits  []byte
	numHashes uint32
}

// NewBloomFilter sizes a filter for the expected key count
func NewBloomFilter(numKeys int) *BloomFilter {
	if numKeys < 1 {
		numKeys = 1
	}
	nbits := numKeys * bloomBitsPerKey
	if nbits < 64 {
		nbits = 64
	}
	return &BloomFilter{
		bits:      make([]byte, (nbits+7)/8),
		numHashes: 7,
	}
}

// hashPair derives the double-hashing base pair for a key
func hashPair(key []byte) (uint64, uint64) {
	h := xxhash.Sum64(key)
	// Cheap second hash from the first, good enough for double hashing.
	return h, h>>17 | h<<47
}

// Add inserts a user key
func (f *BloomFilter) Add(key []byte) {
	h1, h2 := hashPair(key)
	nbits := uint64(len(f.bits)) * 8
	for i := uint64(0); i < uint64(f.numHashes); i++ {
		bit := (h1 + i*h2) % nbits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether the key may have been added
func (f *BloomFilter) MayContain(key []byte) bool {
	if len(f.bits) == 0 {
		return true
	}
	h1, h2 := hashPair(key)
	nbits := uint64(len(f.bits)) * 8
	for i := uint64(0); i < uint64(f.numHashes); i++ {
		bit := (h1 + i*h2) % nbits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Marshal serializes the filter
func (f *BloomFilter) Marshal() []byte {
	out := make([]byte, 4+len(f.bits))
	binary.LittleEndian.PutUint32(out[:4], f.numHashes)
	copy(out[4:], f.bits)
	return out
}

// UnmarshalBloomFilter parses a serialized filter
func UnmarshalBloomFilter(data []byte) *BloomFilter {
	if len(data) < 4 {
		return &BloomFilter{}
	}
	return &BloomFilter{
		numHashes: binary.LittleEndian.Uint32(data[:4]),
		bits:      append([]byte(nil), data[4:]...),
	}
}
