package lsm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/lsmkv/pkg/kv"
)

func newTestStore(t *testing.T) kv.Store {
	t.Helper()
	s := NewStore(openTestDB(t, Options{}))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreGetSetRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, []byte("missing"))
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, []byte("k"), []byte("v")))
	v, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))

	require.NoError(t, s.Remove(ctx, []byte("k")))
	require.NoError(t, s.Remove(ctx, []byte("k")))
	_, err = s.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, kv.ErrNotFound)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStoreOrderedBatchContinuesPastMissingKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	results := s.Batch(ctx, []kv.Op{
		kv.Set([]byte("a"), []byte("1")),
		kv.Get([]byte("nope")),
		kv.Set([]byte("b"), []byte("2")),
		kv.Get([]byte("b")),
	}, false)
	require.Len(t, results, 4)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, kv.ErrNotFound)
	require.Nil(t, results[1].Value)
	require.NoError(t, results[2].Err)
	require.NoError(t, results[3].Err)
	require.Equal(t, "2", string(results[3].Value))
}

func TestStoreOrderedBatchSkipsAfterFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	results := s.Batch(ctx, []kv.Op{
		kv.Set([]byte("a"), []byte("1")),
		kv.Get([]byte("a")),
		{Kind: kv.OpKind(9), Key: []byte("x")},
		kv.Set([]byte("b"), []byte("2")),
		kv.Remove([]byte("a")),
	}, false)
	require.Len(t, results, 5)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	require.Equal(t, "1", string(results[1].Value))
	require.Error(t, results[2].Err)
	require.NotErrorIs(t, results[2].Err, kv.ErrNotFound)
	require.ErrorIs(t, results[3].Err, kv.ErrSkipped)
	require.ErrorIs(t, results[4].Err, kv.ErrSkipped)

	// Skipped ops did not run.
	_, err := s.Get(ctx, []byte("b"))
	require.ErrorIs(t, err, kv.ErrNotFound)
	v, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
}

func TestStoreParallelBatchReportsEachResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ops []kv.Op
	for i := 0; i < 200; i++ {
		ops = append(ops, kv.Set([]byte(fmt.Sprintf("p%03d", i)), []byte(fmt.Sprint(i))))
	}
	for _, r := range s.Batch(ctx, ops, true) {
		require.NoError(t, r.Err)
	}

	ops = ops[:0]
	for i := 0; i < 200; i += 2 {
		ops = append(ops, kv.Get([]byte(fmt.Sprintf("p%03d", i))), kv.Get([]byte(fmt.Sprintf("q%03d", i))))
	}
	results := s.Batch(ctx, ops, true)
	require.Len(t, results, len(ops))
	for i, r := range results {
		if i%2 == 0 {
			require.NoError(t, r.Err)
			require.Equal(t, fmt.Sprint(i), string(r.Value))
		} else {
			require.ErrorIs(t, r.Err, kv.ErrNotFound)
		}
	}

	require.NoError(t, s.Flush(ctx))
	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(200), n)
	size, err := s.SizeOfDisk()
	require.NoError(t, err)
	require.Positive(t, size)
}

func TestStoreBatchHonorsCanceledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := s.Batch(ctx, []kv.Op{kv.Set([]byte("a"), []byte("1")), kv.Get([]byte("a"))}, false)
	require.ErrorIs(t, results[0].Err, context.Canceled)
	require.ErrorIs(t, results[1].Err, kv.ErrSkipped)
	require.Equal(t, "unknown", kv.OpKind(0).String())
	require.Equal(t, "remove", kv.OpRemove.String())
}
