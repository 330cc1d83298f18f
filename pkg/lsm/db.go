package lsm

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"example.com/lsmkv/pkg/kv"
	"example.com/lsmkv/pkg/lsm/cache"
)

// DB is the user-facing interface.
type DB interface {
	// Get returns the newest value of key visible to ro.Snapshot (or to the latest
	// write when no snapshot is given). ok is false for absent and deleted keys.
	Get(ctx context.Context, key []byte, ro *ReadOptions) (value []byte, ok bool, err error)
	Put(ctx context.Context, key, value []byte, wo *WriteOptions) error
	Delete(ctx context.Context, key []byte, wo *WriteOptions) error
	// Apply commits every op of b atomically under one contiguous sequence range.
	Apply(ctx context.Context, b *Batch, wo *WriteOptions) error
	Batch(ctx context.Context, ops []kv.Op, parallel bool) []kv.Result

	// Flush makes every acknowledged write durable in a level 0 table.
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error

	// Len counts live keys.
	Len(ctx context.Context) (int64, error)
	SizeOfDisk() (uint64, error)

	NewIterator(ro *ReadOptions) Iterator
	NewSnapshot() *Snapshot
	ReleaseSnapshot(*Snapshot)
	NewTransaction() *Txn

	Metrics() Metrics
	Close() error
}

type dbImpl struct {
	dir    string
	opts   Options
	logger Logger

	dirLock    io.Closer
	versions   *versionSet
	blockCache *cache.Cache[*block]
	tableCache *tableCache
	metrics    *dbMetrics
	registerer prometheus.Registerer
	collectors []prometheus.Collector

	// visibleSeq is the sequence number of the last applied write.
	visibleSeq atomic.Uint64
	closing    atomic.Bool

	// commitMu serializes writers. mu.mem and mu.wal only change while it is held,
	// so a writer holding it may use them without mu.
	commitMu sync.Mutex

	readState struct {
		sync.RWMutex
		val *readState
	}

	mu struct {
		sync.Mutex
		closed bool

		mem *memTable
		wal *Wal
		// imm are frozen memtables waiting for flush, oldest first.
		imm []*memTable
		// flushed is closed and replaced after every flush attempt.
		flushed chan struct{}
		// bgErr is the latched flush failure. Writes fail once it is set.
		bgErr error

		compactions       []*compaction
		compactingL0      bool
		compactPointers   [][]byte
		compactionDone    chan struct{}
		compactionErr     error
		manualCompactions int

		// snapshots holds the sequence numbers of open snapshots, ascending.
		snapshots []uint64
	}

	flushCh      chan struct{}
	compactionCh chan *compaction
	bgWG         sync.WaitGroup
}

var _ DB = (*dbImpl)(nil)

/*
Open recovers the database in opts.Dir:
1) lock the directory
2) load the manifest named by CURRENT
3) replay the WAL segments the manifest does not cover into one memtable
4) flush that memtable to level 0 and log the new WAL number
5) delete files no version references
6) start the flush and compaction workers
*/
func Open(opts Options) (DB, error) {
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, ioErrorf(err, "lsm: creating %s", opts.Dir)
	}
	lock, err := lockDirectory(filepath.Join(opts.Dir, lockFileName))
	if err != nil {
		return nil, err
	}

	d := &dbImpl{
		dir:          opts.Dir,
		opts:         opts,
		logger:       opts.Logger,
		dirLock:      lock,
		metrics:      newDBMetrics(),
		registerer:   opts.MetricsRegisterer,
		flushCh:      make(chan struct{}, 1),
		compactionCh: make(chan *compaction, opts.CompactionThreads),
	}
	d.mu.flushed = make(chan struct{})
	d.mu.compactionDone = make(chan struct{})
	d.mu.compactPointers = make([][]byte, opts.NumLevels)

	if err := d.open(); err != nil {
		if d.mu.wal != nil {
			_ = d.mu.wal.Close()
		}
		if d.versions != nil {
			_ = d.versions.close()
		}
		if d.tableCache != nil {
			_ = d.tableCache.close()
		}
		_ = lock.Close()
		return nil, err
	}
	return d, nil
}

func (d *dbImpl) open() error {
	start := time.Now()
	bc, err := cache.New[*block](d.opts.BlockCacheSize, d.opts.BlockCacheShards)
	if err != nil {
		return errors.Mark(err, ErrCapacity)
	}
	d.blockCache = bc
	d.tableCache = newTableCache(d.dir, bc, d.metrics)
	d.versions = newVersionSet(d.dir, d.opts.NumLevels, d.logger, d.deleteObsoleteTable)

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return ioErrorf(err, "lsm: reading %s", d.dir)
	}
	type logFile struct {
		num  uint64
		path string
	}
	var logs []logFile
	hasCurrent, hasData := false, false
	for _, e := range entries {
		ft, num := parseFileName(e.Name())
		switch ft {
		case fileTypeCurrent:
			hasCurrent = true
		case fileTypeTable, fileTypeManifest:
			hasData = true
		case fileTypeLog:
			logs = append(logs, logFile{num: num, path: filepath.Join(d.dir, e.Name())})
		}
		if num > 0 {
			d.versions.markFileNumUsed(num)
		}
	}
	if !hasCurrent && hasData {
		return CorruptionErrorf("lsm: %s has tables or manifests but no %s", d.dir, currentFileName)
	}
	if err := d.versions.load(); err != nil {
		return err
	}

	// Replay every segment at or after the manifest's log number, oldest first.
	sort.Slice(logs, func(i, j int) bool { return logs[i].num < logs[j].num })
	recovered := newMemTable(0)
	lastSeq := d.versions.lastSequence()
	minLog := d.versions.logNumber()
	for _, lf := range logs {
		if lf.num < minLog {
			continue
		}
		stats, err := d.replayWAL(lf.path, recovered)
		if err != nil {
			return err
		}
		if stats.MaxSeq > lastSeq {
			lastSeq = stats.MaxSeq
		}
	}
	d.visibleSeq.Store(lastSeq)

	walNum := d.versions.newFileNum()
	w, err := OpenWAL(WalOptions{
		Dir:          d.dir,
		FileNum:      walNum,
		FsyncPolicy:  d.opts.FsyncPolicy,
		FsyncLatency: d.metrics.walFsyncLatency,
	})
	if err != nil {
		return err
	}
	d.mu.wal = w
	d.mu.mem = newMemTable(walNum)

	edit := &VersionEdit{LogNumber: walNum, LastSequence: lastSeq}
	if !recovered.Empty() {
		out := d.newTableOutput(0)
		if err := d.writeMemTable(out, recovered); err != nil {
			out.abandon()
			return err
		}
		for _, m := range out.metas {
			edit.addFile(0, m)
		}
	}
	if err := d.versions.logAndApply(edit); err != nil {
		return err
	}
	d.deleteObsoleteFiles()

	d.mu.Lock()
	d.updateReadStateLocked()
	d.mu.Unlock()

	if d.registerer != nil {
		cs, err := d.registerMetrics(d.registerer)
		if err != nil {
			return err
		}
		d.collectors = cs
	}

	d.bgWG.Add(1 + d.opts.CompactionThreads)
	go d.flushWorker()
	for i := 0; i < d.opts.CompactionThreads; i++ {
		go d.compactionWorker()
	}
	d.mu.Lock()
	d.maybeScheduleCompactionLocked()
	d.mu.Unlock()

	d.logger.Infof("lsm: opened %s in %s: seq %d, %d wal segments replayed, %d recovered entries\n%s",
		d.dir, time.Since(start).Round(time.Millisecond), lastSeq, len(logs), recovered.NumEntries(),
		d.versions.currentVersion())
	return nil
}

// replayWAL applies one segment to mem, cutting a torn tail.
func (d *dbImpl) replayWAL(path string, mem *memTable) (ReplayStats, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return ReplayStats{}, ioErrorf(err, "lsm: opening %s", path)
	}
	defer f.Close()
	stats, err := ReplayFile(f, func(rec *WalRecord) error {
		return mem.apply(rec.Batch, rec.Seq)
	})
	if err != nil {
		return stats, err
	}
	if stats.TruncatedAt >= 0 {
		d.metrics.walTruncations.Add(1)
		d.logger.Infof("lsm: truncated torn tail of %s at offset %d after %d records",
			filepath.Base(path), stats.TruncatedAt, stats.Records)
	}
	return stats, nil
}

// deleteObsoleteFiles removes tables missing from the current version, WAL
// segments older than the log number, stale manifests and temporary files.
func (d *dbImpl) deleteObsoleteFiles() {
	v := d.versions.currentVersion()
	live := make(map[uint64]bool)
	for _, files := range v.Levels {
		for _, f := range files {
			live[f.FileNum] = true
		}
	}
	logNum := d.versions.logNumber()
	d.versions.mu.Lock()
	manifestNum := d.versions.manifestNum
	d.versions.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Errorf("lsm: listing %s: %v", d.dir, err)
		return
	}
	for _, e := range entries {
		ft, num := parseFileName(e.Name())
		var obsolete bool
		switch ft {
		case fileTypeTable:
			obsolete = !live[num]
		case fileTypeLog:
			obsolete = num < logNum
		case fileTypeManifest:
			obsolete = num != manifestNum
		case fileTypeTemp:
			obsolete = true
		}
		if !obsolete {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			d.logger.Errorf("lsm: removing obsolete %s: %v", e.Name(), err)
		}
	}
}

// deleteObsoleteTable runs once no version references m.
func (d *dbImpl) deleteObsoleteTable(m *FileMetadata) {
	d.tableCache.evict(m.FileNum)
	path := filepath.Join(d.dir, sstFileName(m.FileNum))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Errorf("lsm: removing obsolete table %06d: %v", m.FileNum, err)
	}
}

func (d *dbImpl) Get(ctx context.Context, key []byte, ro *ReadOptions) ([]byte, bool, error) {
	if d.closing.Load() {
		return nil, false, ErrClosed
	}
	// Pin the read state before choosing the sequence. A compaction installed in
	// between could otherwise drop the version seq would read.
	rs := d.loadReadState()
	defer rs.unref()
	seq := d.visibleSeq.Load()
	if ro != nil && ro.Snapshot != nil {
		seq = ro.Snapshot.Seq
	}
	val, kind, found, err := rs.get(d.tableCache, key, seq)
	if err != nil {
		return nil, false, errors.Wrapf(err, "lsm: get %q", key)
	}
	if !found || kind == KindDel {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

func (d *dbImpl) Put(ctx context.Context, key, value []byte, wo *WriteOptions) error {
	b := NewBatch()
	b.Set(key, value)
	return d.Apply(ctx, b, wo)
}

func (d *dbImpl) Delete(ctx context.Context, key []byte, wo *WriteOptions) error {
	b := NewBatch()
	b.Delete(key)
	return d.Apply(ctx, b, wo)
}

/*
Write path
1) make room: rotate a full memtable, stall while too many wait for flush
2) assign the batch the next contiguous sequence range
3) append it to the WAL
4) insert it into the memtable and publish the new visible sequence
*/
func (d *dbImpl) Apply(ctx context.Context, b *Batch, wo *WriteOptions) error {
	if b == nil || b.Empty() {
		return nil
	}
	if d.closing.Load() {
		return ErrClosed
	}
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	d.mu.Lock()
	err := d.makeRoomLocked(ctx)
	mem, w := d.mu.mem, d.mu.wal
	d.mu.Unlock()
	if err != nil {
		return err
	}

	seq := d.visibleSeq.Load() + 1
	last := seq + uint64(b.Count()) - 1
	if last > maxSeq || last < seq {
		return errors.Mark(errors.Newf("lsm: sequence space exhausted at %d", seq), ErrCapacity)
	}
	b.setSeqNum(seq)
	if err := w.Append(&WalRecord{Seq: seq, Batch: b}, wo != nil && wo.Sync); err != nil {
		return err
	}
	err = mem.apply(b, seq)
	// The batch is logged; its sequence range is consumed either way.
	d.visibleSeq.Store(last)
	return err
}

// makeRoomLocked rotates the mutable memtable once it or its WAL segment is full.
// Writers wait while MaxImmutableMemTables tables await flush.
func (d *dbImpl) makeRoomLocked(ctx context.Context) error {
	stalled := false
	for {
		if d.mu.closed {
			return ErrClosed
		}
		if d.mu.bgErr != nil {
			return d.mu.bgErr
		}
		mem := d.mu.mem
		full := mem.ApproxSize() >= int64(d.opts.MemTableSize) ||
			(d.opts.WALRollSize > 0 && d.mu.wal.Size() >= int64(d.opts.WALRollSize))
		if !full || mem.Empty() {
			return nil
		}
		if len(d.mu.imm) < d.opts.MaxImmutableMemTables {
			return d.rotateMemTableLocked()
		}
		if !stalled {
			stalled = true
			d.metrics.writeStalls.Add(1)
		}
		ch := d.mu.flushed
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			d.mu.Lock()
			return ctx.Err()
		case <-ch:
		}
		d.mu.Lock()
	}
}

// rotateMemTableLocked freezes the mutable memtable behind a new WAL segment and
// wakes the flush worker. Requires commitMu and mu.
func (d *dbImpl) rotateMemTableLocked() error {
	num := d.versions.newFileNum()
	w, err := OpenWAL(WalOptions{
		Dir:          d.dir,
		FileNum:      num,
		FsyncPolicy:  d.opts.FsyncPolicy,
		FsyncLatency: d.metrics.walFsyncLatency,
	})
	if err != nil {
		return err
	}
	if err := d.mu.wal.Close(); err != nil {
		_ = w.Close()
		_ = os.Remove(filepath.Join(d.dir, walFileName(num)))
		return err
	}
	if _, err := d.mu.mem.Freeze(); err != nil {
		return err
	}
	d.mu.imm = append(d.mu.imm, d.mu.mem)
	d.mu.mem = newMemTable(num)
	d.mu.wal = w
	d.updateReadStateLocked()
	select {
	case d.flushCh <- struct{}{}:
	default:
	}
	return nil
}

func (d *dbImpl) NewIterator(ro *ReadOptions) Iterator {
	var prefix []byte
	if ro != nil {
		prefix = ro.Prefix
	}
	if d.closing.Load() {
		return newDBIter(&errorIter{err: ErrClosed}, 0, prefix, nil)
	}
	rs := d.loadReadState()
	seq := d.visibleSeq.Load()
	if ro != nil && ro.Snapshot != nil {
		seq = ro.Snapshot.Seq
	}
	return newDBIter(rs.newInternalIter(d.tableCache), seq, prefix, rs.unref)
}

func (d *dbImpl) NewSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.visibleSeq.Load()
	i := sort.Search(len(d.mu.snapshots), func(i int) bool { return d.mu.snapshots[i] > seq })
	d.mu.snapshots = append(d.mu.snapshots, 0)
	copy(d.mu.snapshots[i+1:], d.mu.snapshots[i:])
	d.mu.snapshots[i] = seq
	return &Snapshot{Seq: seq, db: d}
}

// ReleaseSnapshot lets compactions drop versions only s could see. Releasing
// twice is a no-op.
func (d *dbImpl) ReleaseSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.released || s.db != d {
		return
	}
	s.released = true
	i := sort.Search(len(d.mu.snapshots), func(i int) bool { return d.mu.snapshots[i] >= s.Seq })
	if i < len(d.mu.snapshots) && d.mu.snapshots[i] == s.Seq {
		d.mu.snapshots = append(d.mu.snapshots[:i], d.mu.snapshots[i+1:]...)
	}
}

func (d *dbImpl) Len(ctx context.Context) (int64, error) {
	it := d.NewIterator(nil)
	var n int64
	for it.First(); it.Valid(); it.Next() {
		n++
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				_ = it.Close()
				return 0, err
			}
		}
	}
	err := it.Error()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// SizeOfDisk sums live tables, WAL segments and the manifest.
func (d *dbImpl) SizeOfDisk() (uint64, error) {
	if d.closing.Load() {
		return 0, ErrClosed
	}
	v := d.versions.currentVersion()
	var total uint64
	for level := range v.Levels {
		total += v.levelSize(level)
	}
	total += uint64(d.versions.manifestSize.Load())

	d.mu.Lock()
	total += uint64(d.mu.wal.Size())
	var immLogs []uint64
	for _, m := range d.mu.imm {
		immLogs = append(immLogs, m.logNum)
	}
	d.mu.Unlock()
	for _, num := range immLogs {
		fi, err := os.Stat(filepath.Join(d.dir, walFileName(num)))
		if os.IsNotExist(err) {
			// Flushed meanwhile.
			continue
		}
		if err != nil {
			return 0, ioErrorf(err, "lsm: stat %s", walFileName(num))
		}
		total += uint64(fi.Size())
	}
	return total, nil
}

/*
Close
1) reject new operations and wake stalled writers
2) wait for in-flight writes, flushes and compactions
3) sync and close the WAL and the manifest, then release the lock
Unflushed memtables stay in their WAL segments and are recovered by the next Open.
*/
func (d *dbImpl) Close() error {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mu.closed = true
	d.closing.Store(true)
	close(d.mu.flushed)
	d.mu.flushed = make(chan struct{})
	d.mu.Unlock()

	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	close(d.flushCh)
	d.mu.Lock()
	close(d.compactionCh)
	d.mu.Unlock()
	d.bgWG.Wait()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.mu.Lock()
	record(d.mu.wal.Close())
	d.mu.Unlock()
	record(d.versions.close())
	record(d.tableCache.close())
	for _, c := range d.collectors {
		d.registerer.Unregister(c)
	}
	record(d.dirLock.Close())
	d.logger.Infof("lsm: closed %s at seq %d", d.dir, d.visibleSeq.Load())
	return firstErr
}
