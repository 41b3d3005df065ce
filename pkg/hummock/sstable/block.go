package sstable

import (
	"encoding/binary"
	"fmt"
)

// Block is one unit of SST data: a sorted run of full-key/value entries.
// Entry layout: varint(klen) varint(vlen) key value, repeated.
type Block struct {
	data []byte
}

// NewBlock wraps raw block bytes
func NewBlock(data []byte) *Block {
	return &Block{data: data}
}

// Data returns the raw bytes
func (b *Block) Data() []byte {
	return b.data
}

// Size returns the encoded size in bytes
func (b *Block) Size() int {
	return len(b.data)
}

// BlockBuilder accumulates sorted entries into one block
type BlockBuilder struct {
	buf      []byte
	firstKey []byte
	count    int
}

// NewBlockBuilder creates an empty builder
func NewBlockBuilder() *BlockBuilder {
	return &BlockBuilder{}
}

// Add appends an entry. Keys must arrive in ascending full-key order;
// the builder does not re-check.
func (b *BlockBuilder) Add(key, value []byte) {
	if b.count == 0 {
		b.firstKey = append([]byte(nil), key...)
	}
	b.buf = binary.AppendUvarint(b.buf, uint64(len(key)))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, key...)
	b.buf = append(b.buf, value...)
	b.count++
}

// Size returns the current encoded size
func (b *BlockBuilder) Size() int {
	return len(b.buf)
}

// Count returns the number of entries
func (b *BlockBuilder) Count() int {
	return b.count
}

// FirstKey returns the first key added
func (b *BlockBuilder) FirstKey() []byte {
	return b.firstKey
}

// Finish returns the built block and resets the builder
func (b *BlockBuilder) Finish() *Block {
	blk := &Block{data: b.buf}
	b.buf = nil
	b.firstKey = nil
	b.count = 0
	return blk
}

// BlockIterator walks a block's entries in order
type BlockIterator struct {
	block *Block
	off   int
	key   []byte
	value []byte
	err   error
}

// NewBlockIterator positions before the first entry; call Next to load it
func NewBlockIterator(b *Block) *BlockIterator {
	return &BlockIterator{block: b}
}

// Next advances to the next entry, returning false at the end
func (it *BlockIterator) Next() bool {
	if it.err != nil || it.off >= len(it.block.data) {
		return false
	}
	data := it.block.data
	klen, n := binary.Uvarint(data[it.off:])
	if n <= 0 {
		it.err = fmt.Errorf("block entry: bad key length at offset %d", it.off)
		return false
	}
	it.off += n
	vlen, n := binary.Uvarint(data[it.off:])
	if n <= 0 {
		it.err = fmt.Errorf("block entry: bad value length at offset %d", it.off)
		return false
	}
	it.off += n
	if it.off+int(klen)+int(vlen) > len(data) {
		it.err = fmt.Errorf("block entry: truncated at offset %d", it.off)
		return false
	}
	it.key = data[it.off : it.off+int(klen)]
	it.off += int(klen)
	it.value = data[it.off : it.off+int(vlen)]
	it.off += int(vlen)
	return true
}

// Key returns the current entry's encoded full key
func (it *BlockIterator) Key() []byte {
	return it.key
}

// Value returns the current entry's encoded value
func (it *BlockIterator) Value() []byte {
	return it.value
}

// Err returns the first decoding error, if any
func (it *BlockIterator) Err() error {
	return it.err
}

// Value encoding: one flag byte distinguishes a put from a tombstone.
const (
	valuePut    = 0x00
	valueDelete = 0x01
)

// EncodeValue encodes a put or a tombstone
func EncodeValue(buf []byte, value []byte, tombstone bool) []byte {
	if tombstone {
		return append(buf, valueDelete)
	}
	buf = append(buf, valuePut)
	return append(buf, value...)
}

// DecodeValue splits an encoded value into payload and tombstone flag
func DecodeValue(data []byte) (value []byte, tombstone bool, err error) {
	if len(data) == 0 {
		return nil, false, fmt.Errorf("empty encoded value")
	}
	switch data[0] {
	case valuePut:
		return data[1:], false, nil
	case valueDelete:
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("bad value flag 0x%02x", data[0])
}
