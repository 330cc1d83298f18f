package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/lsmkv/pkg/lsm/cache"
)

func TestBloomPolicy_SerializedFilterKeepsKeys(t *testing.T) {
	bp := newBloomPolicy(100, 0.01)
	keys := []string{"alpha", "beta", "gamma"}
	for _, k := range keys {
		bp.Add([]byte(k))
	}
	buf, err := bp.WriteToBuffer()
	require.NoError(t, err)
	require.NotEmpty(t, buf)

	restored := &BloomPolicy{}
	require.NoError(t, restored.ReadFromBuffer(buf))
	for _, k := range keys {
		require.True(t, restored.MayContain([]byte(k)), "restored filter lost %q", k)
	}
	require.Equal(t, "bloom", restored.Name())
}

func TestBloomPolicy_NilFilterMayContainEverything(t *testing.T) {
	var nilPolicy *BloomPolicy
	require.True(t, nilPolicy.MayContain([]byte("x")))

	b := &BloomPolicy{}
	require.NoError(t, b.ReadFromBuffer(nil))
	require.True(t, b.MayContain([]byte("x")))
	buf, err := b.WriteToBuffer()
	require.NoError(t, err)
	require.Empty(t, buf)

	err = b.ReadFromBuffer([]byte{1, 2, 3})
	require.Equal(t, ErrKindCorruption, ErrorKindOf(err))
}

func TestBloomPolicy_FalsePositiveRate(t *testing.T) {
	const n = 10000
	bp := newBloomPolicy(n, 0.01)
	for i := 0; i < n; i++ {
		bp.Add([]byte(fmt.Sprintf("in-%d", i)))
	}
	fp := 0
	for i := 0; i < n; i++ {
		if bp.MayContain([]byte(fmt.Sprintf("out-%d", i))) {
			fp++
		}
	}
	// Generous bound over the 1% target.
	require.LessOrEqual(t, float64(fp)/n, 0.03)
}

// A lookup the filter rejects never reads a data block.
func TestTableGet_BloomSkipsBlockReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), sstFileName(1))
	f, err := os.Create(path)
	require.NoError(t, err)
	tw, err := NewTableWriter(f, Options{BlockSize: 128, BloomFpRate: 0.01})
	require.NoError(t, err)
	require.NoError(t, tw.Add(InternalKey{UserKey: []byte("a"), Seq: 2, Kind: KindPut}, []byte("va")))
	require.NoError(t, tw.Add(InternalKey{UserKey: []byte("b"), Seq: 1, Kind: KindPut}, []byte("vb")))
	require.NoError(t, tw.Add(InternalKey{UserKey: []byte("c"), Seq: 3, Kind: KindDel}, nil))
	for i := 0; i < 200; i++ {
		k := InternalKey{UserKey: []byte(fmt.Sprintf("d%04d", i)), Seq: 10, Kind: KindPut}
		require.NoError(t, tw.Add(k, []byte("filler")))
	}
	_, err = tw.Finish()
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	bc, err := cache.New[*block](1<<20, 1)
	require.NoError(t, err)
	m := newDBMetrics()
	rf, err := os.Open(path)
	require.NoError(t, err)
	tr, err := openTable(rf, 1, bc, m)
	require.NoError(t, err)
	defer tr.Close()

	v, ok, err := tr.Get([]byte("a"), maxSeq)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "va", string(v))

	// A tombstone reads as absent.
	_, ok, err = tr.Get([]byte("c"), maxSeq)
	require.NoError(t, err)
	require.False(t, ok)

	// Keys outside the table's range are rejected before the filter.
	_, ok, err = tr.Get([]byte("z"), maxSeq)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, m.bloomNegatives.Load())

	before := bc.Metrics()
	for i := 0; i < 100; i++ {
		_, ok, err := tr.Get([]byte(fmt.Sprintf("b%04d", i)), maxSeq)
		require.NoError(t, err)
		require.False(t, ok)
	}
	negatives := m.bloomNegatives.Load()
	require.Greater(t, negatives, int64(90))
	after := bc.Metrics()
	// Only the lookups that passed the filter touched the cache.
	require.LessOrEqual(t, (after.Hits+after.Misses)-(before.Hits+before.Misses), 2*(100-negatives))
}
