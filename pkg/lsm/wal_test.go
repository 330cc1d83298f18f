package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// walRec builds a single-op record. A nil value makes a delete.
func walRec(seq uint64, key string, value []byte) *WalRecord {
	b := NewBatch()
	if value == nil {
		b.Delete([]byte(key))
	} else {
		b.Set([]byte(key), value)
	}
	b.setSeqNum(seq)
	return &WalRecord{Seq: seq, Batch: b}
}

type replayedOp struct {
	seq   uint64
	kind  uint8
	key   string
	value string
}

func replayAll(t *testing.T, path string) ([]replayedOp, ReplayStats) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	var ops []replayedOp
	stats, err := ReplayFile(f, func(rec *WalRecord) error {
		i := uint64(0)
		return rec.Batch.forEach(func(op batchOp) error {
			ops = append(ops, replayedOp{rec.Seq + i, op.kind, string(op.key), string(op.value)})
			i++
			return nil
		})
	})
	require.NoError(t, err)
	return ops, stats
}

func TestReplay_CleanSingleFile(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(WalOptions{Dir: dir, FileNum: 1, FsyncPolicy: "none"})
	if err != nil {
		t.Fatal(err)
	}

	// write a few records with Sync=true for durability
	recs := []*WalRecord{
		walRec(1, "a", []byte("va")),
		walRec(2, "b", []byte("vb")),
		walRec(3, "a", nil),
	}
	for _, r := range recs {
		if err := w.Append(r, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	ops, stats := replayAll(t, filepath.Join(dir, "WAL-000001.log"))
	if stats.MaxSeq != 3 || stats.Records != 3 || stats.TruncatedAt != -1 {
		t.Fatalf("stats=%+v, want maxSeq 3, 3 records, no truncation", stats)
	}
	want := []replayedOp{{1, KindPut, "a", "va"}, {2, KindPut, "b", "vb"}, {3, KindDel, "a", ""}}
	require.Equal(t, want, ops)
}

func TestReplay_MultiOpBatch(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(WalOptions{Dir: dir, FileNum: 7, FsyncPolicy: "always"})
	require.NoError(t, err)
	b := NewBatch()
	b.Set([]byte("x"), []byte("1"))
	b.Set([]byte("y"), []byte("2"))
	b.Delete([]byte("z"))
	b.setSeqNum(10)
	require.NoError(t, w.Append(&WalRecord{Seq: 10, Batch: b}, false))
	require.Equal(t, int64(walHeaderLen+b.Len()), w.Size())
	require.NoError(t, w.Close())

	ops, stats := replayAll(t, filepath.Join(dir, walFileName(7)))
	require.Equal(t, uint64(12), stats.MaxSeq)
	require.Equal(t, []replayedOp{{10, KindPut, "x", "1"}, {11, KindPut, "y", "2"}, {12, KindDel, "z", ""}}, ops)
}

func TestReplay_TruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(WalOptions{Dir: dir, FileNum: 1, FsyncPolicy: "none"})
	if err != nil {
		t.Fatal(err)
	}

	// One valid record
	first := walRec(1, "a", []byte("va"))
	if err := w.Append(first, true); err != nil {
		t.Fatal(err)
	}
	// Prepare an incomplete second record: write header with length L but only half payload
	payload := walRec(2, "b", []byte("vb")).Batch.Repr()
	crc := crc32.Checksum(payload, crcTab)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc)
	if _, err := w.curBufw.Write(hdr[:]); err != nil {
		t.Fatal(err)
	}
	// write only part of payload, then flush without sync
	half := len(payload) / 2
	if _, err := w.curBufw.Write(payload[:half]); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "WAL-000001.log")
	ops, stats := replayAll(t, path)

	// Only first record should apply
	if len(ops) != 1 || ops[0].key != "a" {
		t.Fatalf("applied=%v", ops)
	}
	// File truncated to the end of the first record
	expSize := int64(len(first.Batch.Repr()) + walHeaderLen)
	if stats.TruncatedAt != expSize {
		t.Fatalf("TruncatedAt=%d want=%d", stats.TruncatedAt, expSize)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != expSize {
		t.Fatalf("file size=%d want=%d", st.Size(), expSize)
	}

	// A second replay sees a clean segment.
	_, stats = replayAll(t, path)
	if stats.TruncatedAt != -1 || stats.Records != 1 {
		t.Fatalf("second replay stats=%+v", stats)
	}
}

func TestReplay_BadCRCTail(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(WalOptions{Dir: dir, FileNum: 1, FsyncPolicy: "none"})
	if err != nil {
		t.Fatal(err)
	}

	// two valid records
	if err := w.Append(walRec(1, "a", []byte("va")), true); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(walRec(2, "b", []byte("vb")), true); err != nil {
		t.Fatal(err)
	}

	// craft a third record with corrupted payload (CRC will not match)
	good := walRec(3, "c", []byte("vc")).Batch.Repr()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(good)))
	badCRC := crc32.Checksum(good, crcTab) ^ 0xffffffff
	binary.LittleEndian.PutUint32(hdr[4:8], badCRC)
	if _, err := w.curBufw.Write(hdr[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := w.curBufw.Write(good); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	ops, stats := replayAll(t, filepath.Join(dir, "WAL-000001.log"))
	if len(ops) != 2 || ops[0].key != "a" || ops[1].key != "b" {
		t.Fatalf("applied=%v", ops)
	}
	if stats.MaxSeq != 2 || stats.TruncatedAt <= 0 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestReplay_UndecodableRecordIsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, walFileName(1))
	f, err := os.Create(path)
	require.NoError(t, err)
	// A checksummed payload too short to be a batch.
	_, err = writeRecord(f, []byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = ReplayFile(f, func(*WalRecord) error { return nil })
	require.Error(t, err)
	require.Equal(t, ErrKindCorruption, ErrorKindOf(err))
}

func TestWalFsyncLatencyObserved(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_fsync_seconds"})
	w, err := OpenWAL(WalOptions{Dir: t.TempDir(), FileNum: 1, FsyncPolicy: "none", FsyncLatency: h})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Append(walRec(uint64(i), fmt.Sprintf("k%d", i), []byte("v")), i == 3))
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	var m dto.Metric
	require.NoError(t, h.Write(&m))
	// The forced append, the explicit Sync and Close each fsync once.
	require.Equal(t, uint64(3), m.GetHistogram().GetSampleCount())
}

func TestWalAppendAfterClose(t *testing.T) {
	w, err := OpenWAL(WalOptions{Dir: t.TempDir(), FileNum: 1, FsyncPolicy: "every_sec"})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	err = w.Append(walRec(1, "a", []byte("v")), false)
	require.ErrorIs(t, err, ErrClosed)
}
