package hummock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/freshet-io/freshet/pkg/types"
)

// UserKey identifies a row of one table shard: (table_id, vnode, pk).
type UserKey struct {
	TableID uint32
	Vnode   types.VirtualNode
	PK      []byte
}

// FullKey is a UserKey plus the epoch-with-gap of the write. On disk the
// epoch is stored bitwise-inverted so newer versions sort first under the
// same user key.
type FullKey struct {
	UserKey
	Epoch types.Epoch
}

const userKeyHeaderLen = 6 // table_id u32 + vnode u16

// EncodeUserKey appends the memcomparable form of k to buf
func EncodeUserKey(buf []byte, k UserKey) []byte {
	var hdr [userKeyHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], k.TableID)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(k.Vnode))
	buf = append(buf, hdr[:]...)
	return append(buf, k.PK...)
}

// EncodeFullKey appends the full-key encoding: user key, then the
// inverted epoch suffix.
func EncodeFullKey(buf []byte, k FullKey) []byte {
	buf = EncodeUserKey(buf, k.UserKey)
	var suffix [8]byte
	binary.BigEndian.PutUint64(suffix[:], ^uint64(k.Epoch))
	return append(buf, suffix[:]...)
}

// DecodeFullKey parses an encoded full key
func DecodeFullKey(buf []byte) (FullKey, error) {
	if len(buf) < userKeyHeaderLen+8 {
		return FullKey{}, fmt.Errorf("full key too short: %d bytes", len(buf))
	}
	pkEnd := len(buf) - 8
	k := FullKey{
		UserKey: UserKey{
			TableID: binary.BigEndian.Uint32(buf[0:4]),
			Vnode:   types.VirtualNode(binary.BigEndian.Uint16(buf[4:6])),
			PK:      append([]byte(nil), buf[userKeyHeaderLen:pkEnd]...),
		},
		Epoch: types.Epoch(^binary.BigEndian.Uint64(buf[pkEnd:])),
	}
	return k, nil
}

// DecodeUserKey parses an encoded user key
func DecodeUserKey(buf []byte) (UserKey, error) {
	if len(buf) < userKeyHeaderLen {
		return UserKey{}, fmt.Errorf("user key too short: %d bytes", len(buf))
	}
	return UserKey{
		TableID: binary.BigEndian.Uint32(buf[0:4]),
		Vnode:   types.VirtualNode(binary.BigEndian.Uint16(buf[4:6])),
		PK:      append([]byte(nil), buf[userKeyHeaderLen:]...),
	}, nil
}

// UserKeyOf returns the user-key prefix of an encoded full key
func UserKeyOf(encoded []byte) []byte {
	return encoded[:len(encoded)-8]
}

// EpochOf returns the epoch suffix of an encoded full key
func EpochOf(encoded []byte) types.Epoch {
	return types.Epoch(^binary.BigEndian.Uint64(encoded[len(encoded)-8:]))
}

// CompareUserKey orders encoded user keys bytewise
func CompareUserKey(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareFullKey orders encoded full keys: user key ascending, epoch
// descending. Because the epoch suffix is stored inverted, plain bytewise
// comparison gives exactly that order for keys of equal user-key length;
// for differing pk lengths the user keys differ first.
func CompareFullKey(a, b []byte) int {
	ua, ub := UserKeyOf(a), UserKeyOf(b)
	if c := bytes.Compare(ua, ub); c != 0 {
		return c
	}
	return bytes.Compare(a[len(ua):], b[len(ub):])
}

// KeyRange is an inclusive range of encoded user keys
type KeyRange struct {
	Left  []byte
	Right []byte
}

// Overlaps reports whether two ranges intersect
func (r KeyRange) Overlaps(o KeyRange) bool {
	return bytes.Compare(r.Left, o.Right) <= 0 && bytes.Compare(o.Left, r.Right) <= 0
}

// Contains reports whether the encoded user key k falls inside r
func (r KeyRange) Contains(k []byte) bool {
	return bytes.Compare(r.Left, k) <= 0 && bytes.Compare(k, r.Right) <= 0
}

// TablePrefix returns the encoded key prefix owned by a table
func TablePrefix(tableID uint32) []byte {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], tableID)
	return p[:]
}
