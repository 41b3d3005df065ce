package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// DataType identifies the scalar type of a column
type DataType string

const (
	TypeInt64     DataType = "int64"
	TypeFloat64   DataType = "float64"
	TypeBool      DataType = "bool"
	TypeUtf8      DataType = "utf8"
	TypeBytes     DataType = "bytes"
	TypeTimestamp DataType = "timestamp"
)

// Timestamp is microseconds since the Unix epoch
type Timestamp int64

// TimestampFromTime converts a time.Time to a Timestamp
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Datum is a nullable scalar value. A nil Datum is SQL NULL. Non-null
// values are one of: int64, float64, bool, string, []byte, Timestamp.
type Datum any

// Row is an ordered tuple of datums
type Row []Datum

// Clone returns a deep copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	for i, d := range r {
		if b, ok := d.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			out[i] = cp
		}
	}
	return out
}

// Project returns the sub-row selected by the given column indices
func (r Row) Project(indices []int) Row {
	out := make(Row, len(indices))
	for i, idx := range indices {
		out[i] = r[idx]
	}
	return out
}

// totalOrderFloat maps a float64 onto an ordering where NaN sorts greater
// than any number and -0 sorts before +0.
func totalOrderFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if math.IsNaN(f) {
		bits = 0x7FF8000000000000 // canonical NaN
	}
	if bits>>63 == 0 {
		return bits | (1 << 63)
	}
	return ^bits
}

// CompareDatum compares two datums of the same type. NULL sorts before
// any value. Returns -1, 0, or 1.
func CompareDatum(a, b Datum) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch av := a.(type) {
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case float64:
		ao, bo := totalOrderFloat(av), totalOrderFloat(b.(float64))
		switch {
		case ao < bo:
			return -1
		case ao > bo:
			return 1
		}
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	case []byte:
		return compareBytes(av, b.([]byte))
	case Timestamp:
		bv := b.(Timestamp)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	panic(fmt.Sprintf("unsupported datum type %T", a))
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// CompareRows compares rows column by column
func CompareRows(a, b Row) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := CompareDatum(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

const (
	encNull    = 0x00
	encNotNull = 0x01
)

// EncodeDatum appends a memcomparable encoding of d to buf. The encoding
// preserves CompareDatum order under bytewise comparison.
func EncodeDatum(buf []byte, d Datum) []byte {
	if d == nil {
		return append(buf, encNull)
	}
	buf = append(buf, encNotNull)
	switch v := d.(type) {
	case int64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
		return append(buf, b[:]...)
	case float64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], totalOrderFloat(v))
		return append(buf, b[:]...)
	case bool:
		if v {
			return append(buf, 1)
		}
		return append(buf, 0)
	case string:
		return encodeEscaped(buf, []byte(v))
	case []byte:
		return encodeEscaped(buf, v)
	case Timestamp:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
		return append(buf, b[:]...)
	}
	panic(fmt.Sprintf("unsupported datum type %T", d))
}

// encodeEscaped writes variable-length bytes so that prefixes sort before
// extensions: 0x00 bytes are escaped as 0x00 0xFF and the value is
// terminated with 0x00 0x01.
func encodeEscaped(buf, v []byte) []byte {
	for _, c := range v {
		if c == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, 0x01)
}

// DecodeDatum decodes one datum of the given type from buf, returning the
// value and the number of bytes consumed.
func DecodeDatum(buf []byte, t DataType) (Datum, int, error) {
	if len(buf) == 0 {
		return nil, 0, fmt.Errorf("decode datum: empty buffer")
	}
	if buf[0] == encNull {
		return nil, 1, nil
	}
	rest := buf[1:]
	switch t {
	case TypeInt64:
		if len(rest) < 8 {
			return nil, 0, fmt.Errorf("decode int64: short buffer")
		}
		u := binary.BigEndian.Uint64(rest[:8])
		return int64(u ^ (1 << 63)), 9, nil
	case TypeFloat64:
		if len(rest) < 8 {
			return nil, 0, fmt.Errorf("decode float64: short buffer")
		}
		u := binary.BigEndian.Uint64(rest[:8])
		var bits uint64
		if u>>63 == 1 {
			bits = u &^ (1 << 63)
		} else {
			bits = ^u
		}
		return math.Float64frombits(bits), 9, nil
	case TypeBool:
		if len(rest) < 1 {
			return nil, 0, fmt.Errorf("decode bool: short buffer")
		}
		return rest[0] == 1, 2, nil
	case TypeUtf8:
		v, n, err := decodeEscaped(rest)
		if err != nil {
			return nil, 0, err
		}
		return string(v), n + 1, nil
	case TypeBytes:
		v, n, err := decodeEscaped(rest)
		if err != nil {
			return nil, 0, err
		}
		return v, n + 1, nil
	case TypeTimestamp:
		if len(rest) < 8 {
			return nil, 0, fmt.Errorf("decode timestamp: short buffer")
		}
		u := binary.BigEndian.Uint64(rest[:8])
		return Timestamp(u ^ (1 << 63)), 9, nil
	}
	return nil, 0, fmt.Errorf("decode datum: unsupported type %q", t)
}

func decodeEscaped(buf []byte) ([]byte, int, error) {
	var out []byte
	i := 0
	for i < len(buf) {
		c := buf[i]
		if c != 0x00 {
			out = append(out, c)
			i++
			continue
		}
		if i+1 >= len(buf) {
			return nil, 0, fmt.Errorf("decode bytes: truncated escape")
		}
		switch buf[i+1] {
		case 0xFF:
			out = append(out, 0x00)
			i += 2
		case 0x01:
			return out, i + 2, nil
		default:
			return nil, 0, fmt.Errorf("decode bytes: bad escape 0x%02x", buf[i+1])
		}
	}
	return nil, 0, fmt.Errorf("decode bytes: missing terminator")
}

// EncodeRow encodes a row of datums memcomparably
func EncodeRow(buf []byte, r Row) []byte {
	for _, d := range r {
		buf = EncodeDatum(buf, d)
	}
	return buf
}

// DecodeRow decodes len(ts) datums from buf
func DecodeRow(buf []byte, ts []DataType) (Row, error) {
	row := make(Row, 0, len(ts))
	for _, t := range ts {
		d, n, err := DecodeDatum(buf, t)
		if err != nil {
			return nil, err
		}
		row = append(row, d)
		buf = buf[n:]
	}
	return row, nil
}
