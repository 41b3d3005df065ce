package hummock

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshet-io/freshet/pkg/types"
)

func TestFullKeyRoundTrip(t *testing.T) {
	k := FullKey{
		UserKey: UserKey{TableID: 42, Vnode: 17, PK: []byte("pk-bytes")},
		Epoch:   types.NewEpoch(time.UnixMilli(1700000000000)),
	}

	enc := EncodeFullKey(nil, k)
	dec, err := DecodeFullKey(enc)
	require.NoError(t, err)
	assert.Equal(t, k, dec)
	assert.Equal(t, k.Epoch, EpochOf(enc))
}

func TestFullKeyNewerEpochSortsFirst(t *testing.T) {
	uk := UserKey{TableID: 1, Vnode: 0, PK: []byte("k")}
	e1 := types.NewEpoch(time.UnixMilli(1000))
	e2 := types.NewEpoch(time.UnixMilli(2000))

	older := EncodeFullKey(nil, FullKey{UserKey: uk, Epoch: e1})
	newer := EncodeFullKey(nil, FullKey{UserKey: uk, Epoch: e2})

	// Same user key: the newer write sorts before the older one.
	assert.Negative(t, CompareFullKey(newer, older))
	assert.Equal(t, 0, CompareUserKey(UserKeyOf(newer), UserKeyOf(older)))
}

func TestFullKeyUserKeyDominates(t *testing.T) {
	e := types.NewEpoch(time.UnixMilli(1000))
	a := EncodeFullKey(nil, FullKey{UserKey: UserKey{TableID: 1, Vnode: 0, PK: []byte("a")}, Epoch: e})
	b := EncodeFullKey(nil, FullKey{UserKey: UserKey{TableID: 1, Vnode: 0, PK: []byte("b")}, Epoch: e})
	assert.Negative(t, CompareFullKey(a, b))

	// Different tables never interleave.
	t2 := EncodeFullKey(nil, FullKey{UserKey: UserKey{TableID: 2, Vnode: 0, PK: []byte("a")}, Epoch: e})
	assert.Negative(t, CompareFullKey(b, t2))
	assert.True(t, bytes.HasPrefix(UserKeyOf(t2), TablePrefix(2)))
}

func TestKeyRange(t *testing.T) {
	r := KeyRange{Left: []byte("b"), Right: []byte("d")}
	assert.True(t, r.Contains([]byte("b")))
	assert.True(t, r.Contains([]byte("c")))
	assert.True(t, r.Contains([]byte("d")))
	assert.False(t, r.Contains([]byte("a")))
	assert.False(t, r.Contains([]byte("e")))

	assert.True(t, r.Overlaps(KeyRange{Left: []byte("c"), Right: []byte("z")}))
	assert.True(t, r.Overlaps(KeyRange{Left: []byte("d"), Right: []byte("z")}))
	assert.False(t, r.Overlaps(KeyRange{Left: []byte("e"), Right: []byte("z")}))
}
