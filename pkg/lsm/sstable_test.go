package lsm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type tableEntry struct {
	k InternalKey
	v string
}

// buildTable writes entries into a fresh table file and returns its path.
func buildTable(t *testing.T, opts Options, entries []tableEntry) (string, Footer) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "table-*.sst")
	require.NoError(t, err)
	tw, err := NewTableWriter(f, opts)
	require.NoError(t, err)
	for _, e := range entries {
		var v []byte
		if e.k.Kind == KindPut {
			v = []byte(e.v)
		}
		require.NoError(t, tw.Add(e.k, v), "add %s@%d", e.k.UserKey, e.k.Seq)
	}
	footer, err := tw.Finish()
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return f.Name(), footer
}

func TestTableWriterLayout(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "table-*.sst")
	require.NoError(t, err)
	tw, err := NewTableWriter(f, Options{BlockSize: 64})
	require.NoError(t, err)
	defer tw.Close()

	a5 := InternalKey{UserKey: []byte("a"), Seq: 5, Kind: KindPut}
	require.NoError(t, tw.Add(a5, []byte("va5")))
	require.NoError(t, tw.Add(InternalKey{UserKey: []byte("a"), Seq: 4, Kind: KindPut}, []byte("va4")))
	require.NoError(t, tw.Add(InternalKey{UserKey: []byte("b"), Seq: 7, Kind: KindDel}, nil))
	require.Error(t, tw.Add(a5, []byte("va5")), "keys must arrive in internal key order")

	footer, err := tw.Finish()
	require.NoError(t, err)
	require.Equal(t, uint64(sstMagic), footer.Magic)
	require.NotZero(t, footer.DataLen)
	require.NotZero(t, footer.IndexLen)
	require.NotZero(t, footer.MetaLen)
	require.Equal(t, uint64(3), footer.Entries)
	require.EqualValues(t, 64, footer.PartSize)
	require.EqualValues(t, 0, footer.Level)

	require.Equal(t, uint64(1), tw.props.Tombstones)
	require.Equal(t, uint64(4), tw.props.SmallestSeq)
	require.Equal(t, uint64(7), tw.props.LargestSeq)

	st, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, footer.DataLen+footer.IndexLen+footer.MetaLen+sstFooterLen, uint64(st.Size()))
	var tail [8]byte
	_, err = f.ReadAt(tail[:], st.Size()-8)
	require.NoError(t, err)
	require.Equal(t, uint64(sstMagic), binary.LittleEndian.Uint64(tail[:]))
}

func TestTableIterSpansBlocks(t *testing.T) {
	// Three user keys with four versions each; a 64-byte block holds only a few.
	var entries []tableEntry
	seq := uint64(1000)
	for _, u := range []string{"a", "b", "c"} {
		for ver := 4; ver >= 1; ver-- {
			seq--
			entries = append(entries, tableEntry{
				k: InternalKey{UserKey: []byte(u), Seq: seq, Kind: KindPut},
				v: fmt.Sprintf("%s%d", u, ver),
			})
		}
	}
	path, footer := buildTable(t, Options{BlockSize: 64, Compression: "snappy"}, entries)
	require.Greater(t, footer.IndexLen, uint64(0))

	rf, err := os.Open(path)
	require.NoError(t, err)
	tr, err := OpenTable(rf, Options{})
	require.NoError(t, err)
	defer tr.Close()

	it := tr.NewIterator()
	defer it.Close()
	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Value()))
	}
	require.NoError(t, it.Error())
	want := make([]string, len(entries))
	for i, e := range entries {
		want[i] = e.v
	}
	require.Equal(t, want, got)

	for _, c := range []struct {
		name string
		pos  func()
		want string
	}{
		{"SeekGE exact version", func() { it.SeekGE(seekKey([]byte("b"), 993)) }, "b2"},
		{"SeekLT lands on oldest of previous key", func() { it.SeekLT(seekKey([]byte("b"), maxSeq)) }, "a1"},
		{"Last", it.Last, "c1"},
	} {
		c.pos()
		require.True(t, it.Valid(), c.name)
		require.Equal(t, c.want, string(it.Value()), c.name)
	}
	it.SeekGE(seekKey([]byte("d"), maxSeq))
	require.False(t, it.Valid())
}

func writeTestTable(t *testing.T, path string, opts Options, n int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	tw, err := NewTableWriter(f, opts)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		k := InternalKey{UserKey: []byte(fmt.Sprintf("key-%05d", i)), Seq: uint64(i + 1), Kind: KindPut}
		require.NoError(t, tw.Add(k, []byte(fmt.Sprintf("value-%05d", i))))
	}
	_, err = tw.Finish()
	require.NoError(t, err)
	require.NoError(t, tw.Close())
}

func TestTableGetAcrossCompressions(t *testing.T) {
	for _, c := range []string{"none", "snappy", "zstd"} {
		t.Run(c, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), sstFileName(1))
			writeTestTable(t, path, Options{BlockSize: 256, Compression: c, BloomFpRate: 0.01}, 500)

			f, err := os.Open(path)
			require.NoError(t, err)
			tr, err := OpenTable(f, Options{})
			require.NoError(t, err)
			defer tr.Close()

			require.Equal(t, uint64(500), tr.Footer().Entries)
			require.Equal(t, "key-00000", string(tr.Smallest().UserKey))
			require.Equal(t, "key-00499", string(tr.Largest().UserKey))
			for _, i := range []int{0, 1, 250, 499} {
				v, ok, err := tr.Get([]byte(fmt.Sprintf("key-%05d", i)), maxSeq)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, fmt.Sprintf("value-%05d", i), string(v))
			}
			// Versions newer than the read sequence are invisible.
			_, ok, err := tr.Get([]byte("key-00250"), 100)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestOpenTableDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, sstFileName(1))
	writeTestTable(t, path, Options{BlockSize: 128}, 100)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	flip := func(off int) string {
		b := append([]byte(nil), raw...)
		b[off] ^= 0xff
		p := filepath.Join(dir, fmt.Sprintf("flip-%d.sst", off))
		require.NoError(t, os.WriteFile(p, b, 0o644))
		return p
	}
	for name, p := range map[string]string{
		"data":  flip(10),
		"magic": flip(len(raw) - 1),
	} {
		f, err := os.Open(p)
		require.NoError(t, err)
		_, err = OpenTable(f, Options{})
		require.Error(t, err, name)
		require.Equal(t, ErrKindCorruption, ErrorKindOf(err), name)
		_ = f.Close()
	}

	short := filepath.Join(dir, "short.sst")
	require.NoError(t, os.WriteFile(short, raw[:len(raw)-10], 0o644))
	f, err := os.Open(short)
	require.NoError(t, err)
	defer f.Close()
	_, err = OpenTable(f, Options{})
	require.Equal(t, ErrKindCorruption, ErrorKindOf(err))
}
