package lsm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// compaction merges inputs[0] at level with the overlapping inputs[1] at
// outputLevel and writes the result to outputLevel.
type compaction struct {
	level       int
	outputLevel int
	inputs      [2][]*FileMetadata
	// smallest and largest bound the user keys of all inputs. The range is
	// claimed at both levels while the compaction runs.
	smallest []byte
	largest  []byte

	version   *Version
	snapshots []uint64
}

func newCompaction(v *Version, level int, inputs []*FileMetadata) *compaction {
	c := &compaction{level: level, outputLevel: level + 1, version: v}
	c.inputs[0] = inputs
	c.smallest, c.largest = keyRange(inputs)
	c.inputs[1] = v.overlaps(c.outputLevel, c.smallest, c.largest)
	if len(c.inputs[1]) > 0 {
		c.smallest, c.largest = keyRange(append(append([]*FileMetadata(nil), inputs...), c.inputs[1]...))
	}
	return c
}

func keyRange(files []*FileMetadata) (smallest, largest []byte) {
	for _, f := range files {
		if smallest == nil || bytes.Compare(f.Smallest.UserKey, smallest) < 0 {
			smallest = f.Smallest.UserKey
		}
		if largest == nil || bytes.Compare(f.Largest.UserKey, largest) > 0 {
			largest = f.Largest.UserKey
		}
	}
	return smallest, largest
}

func (c *compaction) overlapsRange(o *compaction) bool {
	return bytes.Compare(c.smallest, o.largest) <= 0 && bytes.Compare(o.smallest, c.largest) <= 0
}

func (c *compaction) sharesLevel(o *compaction) bool {
	return c.level == o.level || c.level == o.outputLevel ||
		c.outputLevel == o.level || c.outputLevel == o.outputLevel
}

func (c *compaction) inputBytes() uint64 {
	var n uint64
	for _, files := range c.inputs {
		for _, f := range files {
			n += f.Size
		}
	}
	return n
}

// elideTombstone reports whether no level below the output may hold userKey.
func (c *compaction) elideTombstone(userKey []byte) bool {
	for level := c.outputLevel + 1; level < len(c.version.Levels); level++ {
		if len(c.version.overlaps(level, userKey, userKey)) > 0 {
			return false
		}
	}
	return true
}

func (c *compaction) newInputIter(tc *tableCache) InternalIterator {
	var iters []InternalIterator
	if c.level == 0 {
		for i := len(c.inputs[0]) - 1; i >= 0; i-- {
			iters = append(iters, tc.newIter(c.inputs[0][i]))
		}
	} else {
		iters = append(iters, newLevelIter(tc, c.inputs[0]))
	}
	if len(c.inputs[1]) > 0 {
		iters = append(iters, newLevelIter(tc, c.inputs[1]))
	}
	return newMergingIter(iters...)
}

type levelScore struct {
	level int
	score float64
}

// levelScoresLocked returns the levels needing compaction, highest score first.
// Files already being compacted do not count.
func (d *dbImpl) levelScoresLocked(v *Version) []levelScore {
	var scores []levelScore
	idle := 0
	for _, f := range v.Levels[0] {
		if !f.compacting {
			idle++
		}
	}
	if s := float64(idle) / float64(d.opts.L0CompactionThreshold); s >= 1 {
		scores = append(scores, levelScore{level: 0, score: s})
	}
	for level := 1; level < len(v.Levels)-1; level++ {
		var size uint64
		var files int
		for _, f := range v.Levels[level] {
			if !f.compacting {
				size += f.Size
				files++
			}
		}
		s := max(float64(size)/d.opts.maxBytesForLevel(level), float64(files)/d.opts.maxFilesForLevel(level))
		if s >= 1 {
			scores = append(scores, levelScore{level: level, score: s})
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	return scores
}

// pickCompactionLocked returns the compaction for the highest scoring level that
// does not conflict with a running one. It returns ErrCompactionConflict when
// levels need work but every candidate is blocked.
func (d *dbImpl) pickCompactionLocked() (*compaction, error) {
	v := d.versions.currentVersion()
	conflict := false
	for _, s := range d.levelScoresLocked(v) {
		c, err := d.pickLevelLocked(v, s.level)
		if errors.Is(err, ErrCompactionConflict) {
			conflict = true
			continue
		}
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	if conflict {
		return nil, ErrCompactionConflict
	}
	return nil, nil
}

func (d *dbImpl) pickLevelLocked(v *Version, level int) (*compaction, error) {
	if level == 0 {
		if d.mu.compactingL0 {
			return nil, errors.Wrap(ErrCompactionConflict, "lsm: L0 compaction already running")
		}
		var inputs []*FileMetadata
		for _, f := range v.Levels[0] {
			if !f.compacting {
				inputs = append(inputs, f)
			}
		}
		if len(inputs) == 0 {
			return nil, nil
		}
		c := newCompaction(v, 0, inputs)
		if err := d.checkClaimsLocked(c); err != nil {
			return nil, err
		}
		return c, nil
	}

	// Round robin through the level, resuming after the last compacted key.
	files := v.Levels[level]
	start := 0
	if ptr := d.mu.compactPointers[level]; ptr != nil {
		start = sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Smallest.UserKey, ptr) > 0
		})
	}
	var err error
	for i := 0; i < len(files); i++ {
		f := files[(start+i)%len(files)]
		if f.compacting {
			continue
		}
		c := newCompaction(v, level, []*FileMetadata{f})
		if err = d.checkClaimsLocked(c); err == nil {
			return c, nil
		}
	}
	if err == nil && len(files) > 0 {
		err = errors.Wrapf(ErrCompactionConflict, "lsm: every L%d table is being compacted", level)
	}
	return nil, err
}

// checkClaimsLocked rejects c if it touches a file or a claimed key range of a
// running compaction.
func (d *dbImpl) checkClaimsLocked(c *compaction) error {
	for _, files := range c.inputs {
		for _, f := range files {
			if f.compacting {
				return errors.Wrapf(ErrCompactionConflict, "lsm: table %06d is being compacted", f.FileNum)
			}
		}
	}
	for _, o := range d.mu.compactions {
		if c.sharesLevel(o) && c.overlapsRange(o) {
			return errors.Wrapf(ErrCompactionConflict, "lsm: L%d->L%d [%q, %q] overlaps running L%d->L%d [%q, %q]",
				c.level, c.outputLevel, c.smallest, c.largest, o.level, o.outputLevel, o.smallest, o.largest)
		}
	}
	return nil
}

func (d *dbImpl) startCompactionLocked(c *compaction) {
	for _, files := range c.inputs {
		for _, f := range files {
			f.compacting = true
		}
	}
	if c.level == 0 {
		d.mu.compactingL0 = true
	}
	c.version.Ref()
	c.snapshots = append([]uint64(nil), d.mu.snapshots...)
	d.mu.compactions = append(d.mu.compactions, c)
}

func (d *dbImpl) finishCompactionLocked(c *compaction) {
	for _, files := range c.inputs {
		for _, f := range files {
			f.compacting = false
		}
	}
	if c.level == 0 {
		d.mu.compactingL0 = false
	}
	for i, o := range d.mu.compactions {
		if o == c {
			d.mu.compactions = append(d.mu.compactions[:i], d.mu.compactions[i+1:]...)
			break
		}
	}
	c.version.Unref()
	close(d.mu.compactionDone)
	d.mu.compactionDone = make(chan struct{})
}

// maybeScheduleCompactionLocked hands compactions to idle workers while there
// is work and no conflict.
func (d *dbImpl) maybeScheduleCompactionLocked() {
	if d.mu.closed || (d.opts.DisableAutomaticCompactions && d.mu.manualCompactions == 0) {
		return
	}
	for len(d.mu.compactions) < d.opts.CompactionThreads {
		c, err := d.pickCompactionLocked()
		if c == nil {
			if err != nil && !errors.Is(err, ErrCompactionConflict) {
				d.logger.Errorf("lsm: picking compaction: %v", err)
			}
			return
		}
		d.startCompactionLocked(c)
		d.compactionCh <- c
	}
}

func (d *dbImpl) compactionWorker() {
	defer d.bgWG.Done()
	for c := range d.compactionCh {
		err := d.runCompaction(c)
		d.mu.Lock()
		if err != nil {
			if !d.closing.Load() {
				d.logger.Errorf("lsm: compaction L%d->L%d failed: %v", c.level, c.outputLevel, err)
			}
			d.mu.compactionErr = err
		}
		d.finishCompactionLocked(c)
		d.maybeScheduleCompactionLocked()
		d.mu.Unlock()
	}
}

// runCompaction writes the outputs and installs the new version.
func (d *dbImpl) runCompaction(c *compaction) (err error) {
	if d.closing.Load() {
		return ErrClosed
	}
	start := time.Now()
	iter := c.newInputIter(d.tableCache)
	ci := newCompactionIter(iter, c.snapshots, c.elideTombstone)
	out := d.newTableOutput(c.outputLevel)
	defer func() {
		if cerr := ci.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			out.abandon()
		}
	}()

	for ci.First(); ci.Valid(); ci.Next() {
		if d.closing.Load() {
			return ErrClosed
		}
		if ci.atUserKeyStart() && out.size() >= uint64(d.opts.TargetFileSize) {
			if err := out.finish(); err != nil {
				return err
			}
		}
		if err := out.add(ci.Key(), ci.Value()); err != nil {
			return err
		}
	}
	if err := ci.Error(); err != nil {
		return err
	}
	if err := out.finish(); err != nil {
		return err
	}

	edit := &VersionEdit{LastSequence: d.visibleSeq.Load()}
	for i, files := range c.inputs {
		level := c.level
		if i == 1 {
			level = c.outputLevel
		}
		for _, f := range files {
			edit.deleteFile(level, f.FileNum)
		}
	}
	var outBytes uint64
	for _, m := range out.metas {
		edit.addFile(c.outputLevel, m)
		outBytes += m.Size
	}

	d.mu.Lock()
	err = d.versions.logAndApply(edit)
	if err == nil {
		d.mu.compactPointers[c.level] = append([]byte(nil), c.inputs[0][len(c.inputs[0])-1].Largest.UserKey...)
		d.updateReadStateLocked()
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}

	inBytes := c.inputBytes()
	d.metrics.compactions.Add(1)
	d.metrics.compactedIn.Add(int64(inBytes))
	d.metrics.compactedOut.Add(int64(outBytes))
	d.logger.Infof("lsm: compacted L%d (%d tables) + L%d (%d tables) -> L%d (%d tables), %d -> %d bytes, %d entries dropped, in %s",
		c.level, len(c.inputs[0]), c.outputLevel, len(c.inputs[1]), c.outputLevel, len(out.metas),
		inBytes, outBytes, ci.dropped, time.Since(start).Round(time.Millisecond))
	return nil
}

// Compact runs compactions until no level needs one.
func (d *dbImpl) Compact(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mu.manualCompactions++
	defer func() { d.mu.manualCompactions-- }()
	d.mu.compactionErr = nil

	for {
		if d.mu.closed {
			return ErrClosed
		}
		if err := d.mu.compactionErr; err != nil {
			d.mu.compactionErr = nil
			return err
		}
		d.maybeScheduleCompactionLocked()
		if len(d.mu.compactions) == 0 {
			return nil
		}
		done := d.mu.compactionDone
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			d.mu.Lock()
			return ctx.Err()
		case <-done:
		}
		d.mu.Lock()
	}
}

// tableOutput writes a sequence of tables for one level. Each table is written
// under a temporary name and renamed once complete.
type tableOutput struct {
	d       *dbImpl
	level   int
	fileNum uint64
	f       *os.File
	tw      *tableWriter
	metas   []*FileMetadata
	// written lists every final path produced so far.
	written []string
}

func (d *dbImpl) newTableOutput(level int) *tableOutput {
	return &tableOutput{d: d, level: level}
}

func (o *tableOutput) tmpPath() string {
	return filepath.Join(o.d.dir, sstFileName(o.fileNum)+".tmp")
}

func (o *tableOutput) add(key InternalKey, value []byte) error {
	if o.tw == nil {
		o.fileNum = o.d.versions.newFileNum()
		f, err := os.OpenFile(o.tmpPath(), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
		if err != nil {
			return ioErrorf(err, "lsm: creating %s", o.tmpPath())
		}
		tw, err := newTableWriter(f, o.d.opts, o.level)
		if err != nil {
			_ = f.Close()
			return err
		}
		o.f, o.tw = f, tw
	}
	return o.tw.Add(key, value)
}

func (o *tableOutput) size() uint64 {
	if o.tw == nil {
		return 0
	}
	return o.tw.EstimatedSize()
}

// finish completes the open table, if any, and records its metadata.
func (o *tableOutput) finish() error {
	if o.tw == nil {
		return nil
	}
	tw := o.tw
	o.tw = nil
	if _, err := tw.Finish(); err != nil {
		_ = tw.Close()
		_ = os.Remove(o.tmpPath())
		return err
	}
	if err := tw.Close(); err != nil {
		_ = os.Remove(o.tmpPath())
		return err
	}
	final := filepath.Join(o.d.dir, sstFileName(o.fileNum))
	if err := os.Rename(o.tmpPath(), final); err != nil {
		_ = os.Remove(o.tmpPath())
		return ioErrorf(err, "lsm: renaming %s", final)
	}
	o.written = append(o.written, final)
	if err := syncDir(o.d.dir); err != nil {
		return err
	}
	p := tw.props
	o.metas = append(o.metas, &FileMetadata{
		FileNum:     o.fileNum,
		Size:        tw.offset,
		Smallest:    p.Smallest,
		Largest:     p.Largest,
		SmallestSeq: p.SmallestSeq,
		LargestSeq:  p.LargestSeq,
	})
	return nil
}

// abandon removes everything written. The tables were never referenced by a
// version.
func (o *tableOutput) abandon() {
	if o.tw != nil {
		_ = o.tw.Close()
		_ = os.Remove(o.tmpPath())
		o.tw = nil
	}
	for _, path := range o.written {
		_ = os.Remove(path)
	}
	o.written = nil
	o.metas = nil
}
