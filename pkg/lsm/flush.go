package lsm

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// flushWorker flushes frozen memtables, oldest first, whenever a rotation
// signals it. It drains its signal channel until Close closes it.
func (d *dbImpl) flushWorker() {
	defer d.bgWG.Done()
	for range d.flushCh {
		d.flushPending()
	}
}

func (d *dbImpl) flushPending() {
	for {
		d.mu.Lock()
		if len(d.mu.imm) == 0 || d.mu.bgErr != nil {
			d.mu.Unlock()
			return
		}
		mem := d.mu.imm[0]
		d.mu.Unlock()

		if err := d.flushMemTable(mem); err != nil {
			d.logger.Errorf("lsm: flushing memtable of wal %06d: %v", mem.logNum, err)
			d.mu.Lock()
			d.mu.bgErr = err
			close(d.mu.flushed)
			d.mu.flushed = make(chan struct{})
			d.mu.Unlock()
			return
		}
	}
}

// writeMemTable writes every version held by mem through out.
func (d *dbImpl) writeMemTable(out *tableOutput, mem *memTable) error {
	iter := mem.NewInternalIterator()
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := out.add(iter.InternalKey(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return out.finish()
}

// flushMemTable writes mem, the oldest frozen memtable, to a level 0 table and
// drops its WAL segment once the manifest no longer needs it.
func (d *dbImpl) flushMemTable(mem *memTable) error {
	start := time.Now()
	out := d.newTableOutput(0)
	if err := d.writeMemTable(out, mem); err != nil {
		out.abandon()
		return err
	}

	edit := &VersionEdit{LastSequence: d.visibleSeq.Load()}
	var bytesOut uint64
	for _, m := range out.metas {
		edit.addFile(0, m)
		bytesOut += m.Size
	}

	d.mu.Lock()
	// Writes in later segments are not in any table yet.
	if len(d.mu.imm) > 1 {
		edit.LogNumber = d.mu.imm[1].logNum
	} else {
		edit.LogNumber = d.mu.mem.logNum
	}
	if err := d.versions.logAndApply(edit); err != nil {
		d.mu.Unlock()
		out.abandon()
		return err
	}
	d.mu.imm = d.mu.imm[1:]
	d.updateReadStateLocked()
	close(d.mu.flushed)
	d.mu.flushed = make(chan struct{})
	d.maybeScheduleCompactionLocked()
	d.mu.Unlock()

	walPath := filepath.Join(d.dir, walFileName(mem.logNum))
	if err := os.Remove(walPath); err != nil && !os.IsNotExist(err) {
		d.logger.Errorf("lsm: removing flushed %s: %v", walFileName(mem.logNum), err)
	}

	d.metrics.flushes.Add(1)
	d.metrics.flushedBytes.Add(int64(bytesOut))
	if len(out.metas) > 0 {
		d.logger.Infof("lsm: flushed %d entries of wal %06d to L0 table %06d (%d bytes) in %s",
			mem.NumEntries(), mem.logNum, out.metas[0].FileNum, bytesOut, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// Flush syncs the WAL, freezes the mutable memtable and waits until every
// frozen memtable, including that one, is in a level 0 table.
func (d *dbImpl) Flush(ctx context.Context) error {
	if d.closing.Load() {
		return ErrClosed
	}
	d.commitMu.Lock()
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		d.commitMu.Unlock()
		return ErrClosed
	}
	if err := d.mu.wal.Sync(); err != nil {
		d.mu.Unlock()
		d.commitMu.Unlock()
		return err
	}
	if !d.mu.mem.Empty() {
		if err := d.rotateMemTableLocked(); err != nil {
			d.mu.Unlock()
			d.commitMu.Unlock()
			return err
		}
	}
	d.commitMu.Unlock()
	defer d.mu.Unlock()
	if len(d.mu.imm) == 0 {
		return nil
	}
	target := d.mu.imm[len(d.mu.imm)-1].logNum

	for {
		if d.mu.bgErr != nil {
			return d.mu.bgErr
		}
		if d.versions.logNumber() > target {
			return nil
		}
		if d.mu.closed {
			return ErrClosed
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
