package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchReprRoundTrip(t *testing.T) {
	b := NewBatch()
	require.True(t, b.Empty())
	require.Equal(t, batchHeaderLen, b.Len())

	b.Set([]byte("k1"), []byte("v1"))
	b.Delete([]byte("k2"))
	b.Set([]byte("k1"), []byte(""))
	b.setSeqNum(42)
	require.Equal(t, uint32(3), b.Count())

	got, err := decodeBatch(append([]byte(nil), b.Repr()...))
	require.NoError(t, err)
	require.Equal(t, uint64(42), got.seqNum())
	var ops []batchOp
	require.NoError(t, got.forEach(func(op batchOp) error {
		ops = append(ops, op)
		return nil
	}))
	require.Len(t, ops, 3)
	require.Equal(t, KindPut, ops[0].kind)
	require.Equal(t, "v1", string(ops[0].value))
	require.Equal(t, KindDel, ops[1].kind)
	require.Equal(t, "k2", string(ops[1].key))
	require.Empty(t, ops[2].value)

	b.Reset()
	require.True(t, b.Empty())
	require.Zero(t, b.seqNum())
	require.Equal(t, batchHeaderLen, b.Len())
}

func TestDecodeBatchRejectsDamage(t *testing.T) {
	b := NewBatch()
	b.Set([]byte("key"), []byte("value"))
	repr := b.Repr()

	for name, bad := range map[string][]byte{
		"short":     repr[:batchHeaderLen-1],
		"truncated": repr[:len(repr)-2],
		"kind": func() []byte {
			c := append([]byte(nil), repr...)
			c[batchHeaderLen] = 9
			return c
		}(),
		"count": func() []byte {
			c := append([]byte(nil), repr...)
			c[8] = 2
			return c
		}(),
	} {
		_, err := decodeBatch(bad)
		require.Error(t, err, name)
		require.Equal(t, ErrKindCorruption, ErrorKindOf(err), name)
	}
}
