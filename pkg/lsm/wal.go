package lsm

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

/*
WAL record format:
[ len   : 4 bytes ]      payload length
[ crc32 : 4 bytes ]      crc32c of the payload
[ payload : len bytes ]  one batch repr: [seq][count][records...]

A segment backs exactly one memtable generation. Segments are never reopened for
append: after recovery the replayed contents are flushed and the segment deleted.
*/
const walHeaderLen = 8

type WalOptions struct {
	Dir         string
	FileNum     uint64
	FsyncPolicy string // "always"|"every_sec"|"none"
	// FsyncLatency, when set, observes every fsync in seconds.
	FsyncLatency prometheus.Histogram
}

type WalRecord struct {
	Seq   uint64
	Batch *Batch
}

type Wal struct {
	fileNum      uint64
	policy       string
	fsyncLatency prometheus.Histogram

	mu      sync.Mutex
	curFile *os.File
	curSize int64
	curBufw *bufio.Writer
	err     error

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func OpenWAL(opts WalOptions) (*Wal, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, ioErrorf(err, "lsm: creating %s", opts.Dir)
	}
	path := filepath.Join(opts.Dir, walFileName(opts.FileNum))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioErrorf(err, "lsm: creating %s", path)
	}
	w := &Wal{
		fileNum:      opts.FileNum,
		policy:       opts.FsyncPolicy,
		fsyncLatency: opts.FsyncLatency,
		curFile:      f,
		curBufw:      bufio.NewWriterSize(f, 1<<20),
	}
	if w.policy == "every_sec" {
		w.stopChan = make(chan struct{})
		w.wg.Add(1)
		go w.bgSync()
	}
	return w, nil
}

func (w *Wal) FileNum() uint64 { return w.fileNum }

// Size is the number of bytes appended so far, buffered or not.
func (w *Wal) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curSize
}

// Append writes one record. The batch must already carry its sequence number.
func (w *Wal) Append(rec *WalRecord, forceSync bool) error {
	payload := rec.Batch.Repr()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.curFile == nil {
		return errors.Wrapf(ErrClosed, "lsm: wal %06d", w.fileNum)
	}
	n, err := writeRecord(w.curBufw, payload)
	if err != nil {
		return w.fail(err)
	}
	w.curSize += int64(n)

	if forceSync || w.policy == "always" {
		return w.syncLocked()
	}
	return nil
}

// Sync makes every appended record durable.
func (w *Wal) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.curFile == nil {
		return nil
	}
	return w.syncLocked()
}

func (w *Wal) syncLocked() error {
	if err := w.curBufw.Flush(); err != nil {
		return w.fail(err)
	}
	start := time.Now()
	if err := w.curFile.Sync(); err != nil {
		return w.fail(err)
	}
	if w.fsyncLatency != nil {
		w.fsyncLatency.Observe(time.Since(start).Seconds())
	}
	return nil
}

// fail latches the first write error; a segment with a lost write cannot accept
// further records without creating a hole.
func (w *Wal) fail(err error) error {
	w.err = ioErrorf(err, "lsm: writing wal %06d", w.fileNum)
	return w.err
}

func (w *Wal) Close() error {
	if w.stopChan != nil {
		close(w.stopChan)
		w.wg.Wait()
		w.stopChan = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curFile == nil {
		return w.err
	}
	firstErr := w.err
	if firstErr == nil {
		firstErr = w.syncLocked()
	}
	if err := w.curFile.Close(); err != nil && firstErr == nil {
		firstErr = ioErrorf(err, "lsm: closing wal %06d", w.fileNum)
	}
	w.curFile = nil
	return firstErr
}

func (w *Wal) bgSync() {
	defer w.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.curFile != nil && w.err == nil {
				_ = w.syncLocked()
			}
			w.mu.Unlock()
		}
	}
}

// writeRecord frames payload as [len][crc][payload]. The manifest uses the same
// framing.
func writeRecord(w io.Writer, payload []byte) (int, error) {
	var hdr [walHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, crcTab))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return walHeaderLen + len(payload), nil
}

// errTornRecord reports a record cut short or failing its checksum.
var errTornRecord = errors.New("lsm: torn wal record")

type WalReader struct {
	r         *bufio.Reader
	remaining int64
}

func NewWalReader(f *os.File) (*WalReader, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, ioErrorf(err, "lsm: stat %s", f.Name())
	}
	return &WalReader{r: bufio.NewReader(f), remaining: fi.Size()}, nil
}

// Next returns the next record payload and its framed size. io.EOF marks a clean
// end; errTornRecord marks a damaged tail.
func (rd *WalReader) Next() ([]byte, int64, error) {
	if rd.remaining == 0 {
		return nil, 0, io.EOF
	}
	var hdr [walHeaderLen]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, errTornRecord
		}
		return nil, 0, err
	}
	length := int64(binary.LittleEndian.Uint32(hdr[0:4]))
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	if length > rd.remaining-walHeaderLen {
		return nil, 0, errTornRecord
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, errTornRecord
		}
		return nil, 0, err
	}
	if crc32.Checksum(payload, crcTab) != wantCRC {
		return nil, 0, errTornRecord
	}
	rd.remaining -= length + walHeaderLen
	return payload, length + walHeaderLen, nil
}

type ReplayStats struct {
	MaxSeq  uint64
	Records int
	// TruncatedAt is the offset the segment was cut back to, or -1 when the whole
	// segment was valid.
	TruncatedAt int64
}

// ReplayFile applies every intact record of a segment in order. A damaged tail is
// truncated at the last valid record; a record with a valid checksum that does not
// decode is corruption.
func ReplayFile(f *os.File, apply func(*WalRecord) error) (ReplayStats, error) {
	stats := ReplayStats{TruncatedAt: -1}
	rd, err := NewWalReader(f)
	if err != nil {
		return stats, err
	}
	var offset int64
	for {
		payload, n, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err == errTornRecord {
			if terr := f.Truncate(offset); terr != nil {
				return stats, ioErrorf(terr, "lsm: truncating %s", f.Name())
			}
			stats.TruncatedAt = offset
			break
		}
		if err != nil {
			return stats, ioErrorf(err, "lsm: reading %s", f.Name())
		}
		b, err := decodeBatch(payload)
		if err != nil {
			return stats, errors.Wrapf(err, "lsm: %s at offset %d", f.Name(), offset)
		}
		rec := &WalRecord{Seq: b.seqNum(), Batch: b}
		if err := apply(rec); err != nil {
			return stats, err
		}
		offset += n
		stats.Records++
		if last := rec.Seq + uint64(b.Count()) - 1; b.Count() > 0 && last > stats.MaxSeq {
			stats.MaxSeq = last
		}
	}
	return stats, nil
}
