package lsm

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// versionSet owns the manifest and the current version. Every change to the
// table set is written to the manifest and synced before the new version is
// installed.
type versionSet struct {
	dir       string
	numLevels int
	logger    Logger

	mu           sync.Mutex
	current      *Version
	manifestNum  uint64
	manifest     *os.File
	manifestW    *bufio.Writer
	manifestSize atomic.Int64
	logNum       uint64
	lastSeq      uint64

	nextFileNum atomic.Uint64
	// obsolete is called once for every table no version references any more.
	obsolete func(*FileMetadata)
}

func newVersionSet(dir string, numLevels int, logger Logger, obsolete func(*FileMetadata)) *versionSet {
	vs := &versionSet{dir: dir, numLevels: numLevels, logger: logger, obsolete: obsolete}
	vs.nextFileNum.Store(1)
	return vs
}

// load recovers the version from the manifest named by CURRENT, or starts an
// empty one for a new directory, then writes a fresh manifest holding a single
// snapshot edit.
func (vs *versionSet) load() error {
	bulk := newBulkVersionEdit(vs.numLevels)
	manifestNum, err := readCurrentFile(vs.dir)
	switch {
	case err == nil:
		if err := vs.replayManifest(manifestNum, bulk); err != nil {
			return err
		}
	case os.IsNotExist(err):
	default:
		return ioErrorf(err, "lsm: reading %s", currentFileName)
	}

	v, err := bulk.apply(nil, vs.numLevels)
	if err != nil {
		return err
	}
	for _, files := range v.Levels {
		for _, f := range files {
			if f.FileNum >= vs.nextFileNum.Load() {
				vs.nextFileNum.Store(f.FileNum + 1)
			}
		}
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.installLocked(v)
	return vs.writeSnapshotLocked()
}

func (vs *versionSet) replayManifest(num uint64, bulk *bulkVersionEdit) error {
	path := filepath.Join(vs.dir, manifestFileName(num))
	f, err := os.Open(path)
	if err != nil {
		return ioErrorf(err, "lsm: opening %s", path)
	}
	defer f.Close()
	rd, err := NewWalReader(f)
	if err != nil {
		return err
	}
	for {
		payload, _, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err == errTornRecord {
			// The edit was never acknowledged; its outputs are unreferenced and
			// removed with the other obsolete files.
			vs.logger.Infof("lsm: ignoring torn tail of %s", manifestFileName(num))
			break
		}
		if err != nil {
			return ioErrorf(err, "lsm: reading %s", path)
		}
		var ve VersionEdit
		if err := ve.Decode(bytes.NewReader(payload), vs.numLevels); err != nil {
			return errors.Wrapf(err, "lsm: decoding %s", path)
		}
		bulk.accumulate(&ve)
		if ve.LogNumber != 0 {
			vs.logNum = ve.LogNumber
		}
		if ve.NextFileNumber > vs.nextFileNum.Load() {
			vs.nextFileNum.Store(ve.NextFileNumber)
		}
		if ve.LastSequence > vs.lastSeq {
			vs.lastSeq = ve.LastSequence
		}
	}
	if num >= vs.nextFileNum.Load() {
		vs.nextFileNum.Store(num + 1)
	}
	return nil
}

// writeSnapshotLocked starts a new manifest whose first record describes the
// whole current version, points CURRENT at it and drops the previous manifest.
func (vs *versionSet) writeSnapshotLocked() error {
	num := vs.newFileNum()
	path := filepath.Join(vs.dir, manifestFileName(num))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ioErrorf(err, "lsm: creating %s", path)
	}
	w := bufio.NewWriter(f)

	ve := &VersionEdit{
		LogNumber:      vs.logNum,
		NextFileNumber: vs.nextFileNum.Load(),
		LastSequence:   vs.lastSeq,
	}
	for level, files := range vs.current.Levels {
		for _, m := range files {
			ve.addFile(level, m)
		}
	}
	n, err := writeRecord(w, ve.Encode())
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return ioErrorf(err, "lsm: writing %s", path)
	}
	if err := setCurrentFile(vs.dir, num); err != nil {
		_ = f.Close()
		return err
	}

	if vs.manifest != nil {
		_ = vs.manifest.Close()
		_ = os.Remove(filepath.Join(vs.dir, manifestFileName(vs.manifestNum)))
	}
	vs.manifest, vs.manifestW, vs.manifestNum = f, w, num
	vs.manifestSize.Store(int64(n))
	return nil
}

// logAndApply persists ve and installs the resulting version. ve.LastSequence
// must be set by the caller; a zero LogNumber keeps the current one.
func (vs *versionSet) logAndApply(ve *VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if ve.LogNumber == 0 {
		ve.LogNumber = vs.logNum
	}
	if ve.LastSequence < vs.lastSeq {
		ve.LastSequence = vs.lastSeq
	}
	ve.NextFileNumber = vs.nextFileNum.Load()

	bulk := newBulkVersionEdit(vs.numLevels)
	bulk.accumulate(ve)
	v, err := bulk.apply(vs.current, vs.numLevels)
	if err != nil {
		return err
	}

	n, err := writeRecord(vs.manifestW, ve.Encode())
	if err == nil {
		err = vs.manifestW.Flush()
	}
	if err == nil {
		err = vs.manifest.Sync()
	}
	if err != nil {
		return ioErrorf(err, "lsm: writing %s", manifestFileName(vs.manifestNum))
	}
	vs.manifestSize.Add(int64(n))
	vs.logNum = ve.LogNumber
	vs.lastSeq = ve.LastSequence
	vs.installLocked(v)
	return nil
}

// installLocked makes v current. Files gain a reference before the previous
// version drops its own, so a file kept by both never looks obsolete.
func (vs *versionSet) installLocked(v *Version) {
	for _, files := range v.Levels {
		for _, f := range files {
			f.refs.Add(1)
		}
	}
	v.unrefFiles = vs.unrefFiles
	v.Ref()
	old := vs.current
	vs.current = v
	if old != nil {
		old.Unref()
	}
}

func (vs *versionSet) unrefFiles(v *Version) {
	for _, files := range v.Levels {
		for _, f := range files {
			if f.refs.Add(-1) == 0 && vs.obsolete != nil {
				vs.obsolete(f)
			}
		}
	}
}

func (vs *versionSet) currentVersion() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.current
}

func (vs *versionSet) newFileNum() uint64 {
	return vs.nextFileNum.Add(1) - 1
}

// markFileNumUsed makes sure num is never handed out again.
func (vs *versionSet) markFileNumUsed(num uint64) {
	for {
		next := vs.nextFileNum.Load()
		if num < next || vs.nextFileNum.CompareAndSwap(next, num+1) {
			return
		}
	}
}

func (vs *versionSet) logNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNum
}

func (vs *versionSet) lastSequence() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSeq
}

func (vs *versionSet) close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifest == nil {
		return nil
	}
	err := vs.manifestW.Flush()
	if serr := vs.manifest.Sync(); err == nil {
		err = serr
	}
	if cerr := vs.manifest.Close(); err == nil {
		err = cerr
	}
	vs.manifest = nil
	return ioErrorf(err, "lsm: closing manifest")
}
