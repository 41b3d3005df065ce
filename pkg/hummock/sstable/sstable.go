package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/freshet-io/freshet/pkg/hummock"
)

// BlockMeta locates one block inside an SST object
type BlockMeta struct {
	Offset   uint32
	Len      uint32
	FirstKey []byte
}

// Meta is the parsed footer of an SST
type Meta struct {
	BlockMetas []BlockMeta
	Bloom      *BloomFilter
	// SmallestKey and LargestKey are encoded user keys.
	SmallestKey []byte
	LargestKey  []byte
	TableIDs    []uint32
	KeyCount    uint64
	UncompressedSize uint64
}

// Sstable is an SST's identity plus its parsed meta, as cached in the
// meta cache.
type Sstable struct {
	ObjectID uint64
	Meta     *Meta
}

// FindBlock returns the index of the block that may contain the encoded
// full key, or -1 when the key precedes the table.
func (s *Sstable) FindBlock(fullKey []byte) int {
	metas := s.Meta.BlockMetas
	// First block whose first key is > fullKey, minus one.
	i := sort.Search(len(metas), func(i int) bool {
		return hummock.CompareFullKey(metas[i].FirstKey, fullKey) > 0
	})
	return i - 1
}

// marshalMeta encodes the footer body with protowire
func marshalMeta(m *Meta) []byte {
	var buf []byte
	for _, bm := range m.BlockMetas {
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(bm.Offset))
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(bm.Len))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, bm.FirstKey)
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b)
	}
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Bloom.Marshal())
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.SmallestKey)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.LargestKey)
	for _, id := range m.TableIDs {
		buf = protowire.AppendTag(buf, 5, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(id))
	}
	buf = protowire.AppendTag(buf, 6, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.KeyCount)
	buf = protowire.AppendTag(buf, 7, protowire.VarintType)
	buf = protowire.AppendVarint(buf, m.UncompressedSize)
	return buf
}

func unmarshalMeta(buf []byte) (*Meta, error) {
	m := &Meta{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("sst meta: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("sst meta: bad block meta")
			}
			buf = buf[n:]
			bm, err := unmarshalBlockMeta(v)
			if err != nil {
				return nil, err
			}
			m.BlockMetas = append(m.BlockMetas, bm)
		case 2, 3, 4:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("sst meta: bad bytes field %d", num)
			}
			buf = buf[n:]
			cp := append([]byte(nil), v...)
			switch num {
			case 2:
				m.Bloom = UnmarshalBloomFilter(cp)
			case 3:
				m.SmallestKey = cp
			case 4:
				m.LargestKey = cp
			}
		case 5, 6, 7:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("sst meta: bad varint field %d", num)
			}
			buf = buf[n:]
			switch num {
			case 5:
				m.TableIDs = append(m.TableIDs, uint32(v))
			case 6:
				m.KeyCount = v
			case 7:
				m.UncompressedSize = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("sst meta: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

func unmarshalBlockMeta(buf []byte) (BlockMeta, error) {
	var bm BlockMeta
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return bm, fmt.Errorf("block meta: bad tag")
		}
		buf = buf[n:]
		switch num {
		case 1, 2:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return bm, fmt.Errorf("block meta: bad varint")
			}
			buf = buf[n:]
			if num == 1 {
				bm.Offset = uint32(v)
			} else {
				bm.Len = uint32(v)
			}
		case 3:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return bm, fmt.Errorf("block meta: bad first key")
			}
			buf = buf[n:]
			bm.FirstKey = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return bm, fmt.Errorf("block meta: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	return bm, nil
}

// The file tail is: meta bytes, then a fixed 8-byte trailer holding the
// meta length and a magic number.
const (
	sstMagic    = 0x46534854 // "FSHT"
	trailerSize = 8
)

// appendFooter writes the meta and trailer after the data blocks
func appendFooter(buf []byte, m *Meta) []byte {
	meta := marshalMeta(m)
	buf = append(buf, meta...)
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(len(meta)))
	binary.LittleEndian.PutUint32(trailer[4:8], sstMagic)
	return append(buf, trailer[:]...)
}

// ParseMeta extracts the Meta from a whole SST object
func ParseMeta(data []byte) (*Meta, error) {
	if len(data) < trailerSize {
		return nil, fmt.Errorf("sst too short: %d bytes", len(data))
	}
	trailer := data[len(data)-trailerSize:]
	if binary.LittleEndian.Uint32(trailer[4:8]) != sstMagic {
		return nil, fmt.Errorf("bad sst magic")
	}
	metaLen := int(binary.LittleEndian.Uint32(trailer[0:4]))
	if metaLen+trailerSize > len(data) {
		return nil, fmt.Errorf("sst meta length %d exceeds object", metaLen)
	}
	return unmarshalMeta(data[len(data)-trailerSize-metaLen : len(data)-trailerSize])
}

// ParseMetaFromTail parses the meta from the tail bytes of an object
// (meta followed by the trailer), for stores that support range reads.
func ParseMetaFromTail(tail []byte) (*Meta, error) {
	return ParseMeta(tail)
}
