package types

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDatumRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  DataType
		val  Datum
	}{
		{"int zero", TypeInt64, int64(0)},
		{"int negative", TypeInt64, int64(-42)},
		{"int max", TypeInt64, int64(math.MaxInt64)},
		{"int min", TypeInt64, int64(math.MinInt64)},
		{"float", TypeFloat64, 3.14},
		{"float negative", TypeFloat64, -2.5},
		{"bool true", TypeBool, true},
		{"bool false", TypeBool, false},
		{"string", TypeUtf8, "hello"},
		{"string empty", TypeUtf8, ""},
		{"string with nul", TypeUtf8, "a\x00b"},
		{"bytes", TypeBytes, []byte{0x00, 0xFF, 0x00}},
		{"timestamp", TypeTimestamp, Timestamp(1700000000000000)},
		{"null", TypeInt64, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := EncodeDatum(nil, tt.val)
			dec, n, err := DecodeDatum(enc, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, len(enc), n)
			assert.Equal(t, tt.val, dec)
		})
	}
}

func TestEncodeDatumOrderPreserving(t *testing.T) {
	pairs := [][2]Datum{
		{int64(-5), int64(3)},
		{int64(3), int64(4)},
		{nil, int64(math.MinInt64)},
		{-1.5, -0.5},
		{math.Copysign(0, -1), 0.0},
		{0.0, 1.0},
		{math.Inf(1), math.NaN()},
		{"abc", "abd"},
		{"ab", "abc"},
		{"a\x00", "a\x01"},
		{false, true},
		{Timestamp(10), Timestamp(11)},
	}

	for _, p := range pairs {
		a := EncodeDatum(nil, p[0])
		b := EncodeDatum(nil, p[1])
		assert.Negative(t, bytes.Compare(a, b), "expected %v < %v", p[0], p[1])
		assert.Negative(t, CompareDatum(p[0], p[1]), "CompareDatum %v < %v", p[0], p[1])
	}
}

func TestCompareFloatTotalOrder(t *testing.T) {
	// NaN sorts above any number, -0 below +0
	assert.Positive(t, CompareDatum(math.NaN(), math.Inf(1)))
	assert.Negative(t, CompareDatum(math.Copysign(0, -1), 0.0))
	assert.Zero(t, CompareDatum(math.NaN(), math.NaN()))
}

func TestEncodeRowRoundTrip(t *testing.T) {
	row := Row{int64(7), "x", nil, 1.25}
	typs := []DataType{TypeInt64, TypeUtf8, TypeBool, TypeFloat64}

	enc := EncodeRow(nil, row)
	dec, err := DecodeRow(enc, typs)
	require.NoError(t, err)
	assert.Equal(t, row, dec)
}

func TestRowProject(t *testing.T) {
	row := Row{int64(1), int64(2), int64(3)}
	assert.Equal(t, Row{int64(3), int64(1)}, row.Project([]int{2, 0}))
}
