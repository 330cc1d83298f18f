package lsm

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
)

// Tags for the version edit disk format. Each field is a uvarint tag followed by
// its uvarint or length-prefixed payload.
const (
	tagLogNumber      = 1
	tagNextFileNumber = 2
	tagLastSequence   = 3
	tagDeletedFile    = 4
	tagNewFile        = 5
)

var errCorruptManifest = CorruptionErrorf("lsm: corrupt manifest")

type deletedFileEntry struct {
	Level   int
	FileNum uint64
}

type newFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// VersionEdit is one manifest record: the files added and removed by a flush or a
// compaction together with the counters needed to recover.
type VersionEdit struct {
	// LogNumber is the oldest WAL segment still needed; older segments have been
	// flushed.
	LogNumber      uint64
	NextFileNumber uint64
	LastSequence   uint64

	DeletedFiles map[deletedFileEntry]bool
	NewFiles     []newFileEntry
}

func (v *VersionEdit) deleteFile(level int, fileNum uint64) {
	if v.DeletedFiles == nil {
		v.DeletedFiles = make(map[deletedFileEntry]bool)
	}
	v.DeletedFiles[deletedFileEntry{Level: level, FileNum: fileNum}] = true
}

func (v *VersionEdit) addFile(level int, meta *FileMetadata) {
	v.NewFiles = append(v.NewFiles, newFileEntry{Level: level, Meta: meta})
}

func (v *VersionEdit) Encode() []byte {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.LogNumber != 0 {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(v.LogNumber)
	}
	if v.NextFileNumber != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(v.NextFileNumber)
	}
	e.writeUvarint(tagLastSequence)
	e.writeUvarint(v.LastSequence)

	deleted := make([]deletedFileEntry, 0, len(v.DeletedFiles))
	for x := range v.DeletedFiles {
		deleted = append(deleted, x)
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].FileNum < deleted[j].FileNum })
	for _, x := range deleted {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(x.FileNum)
	}
	for _, x := range v.NewFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(x.Meta.FileNum)
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
		e.writeUvarint(x.Meta.SmallestSeq)
		e.writeUvarint(x.Meta.LargestSeq)
	}
	return e.Bytes()
}

func (v *VersionEdit) Decode(r io.Reader, numLevels int) error {
	br, ok := r.(byteReader)
	if !ok {
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		br = bytes.NewReader(b)
	}
	d := versionEditDecoder{br, numLevels}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errCorruptManifest
		}
		switch tag {
		case tagLogNumber:
			if v.LogNumber, err = d.readUvarint(); err != nil {
				return err
			}

		case tagNextFileNumber:
			if v.NextFileNumber, err = d.readUvarint(); err != nil {
				return err
			}

		case tagLastSequence:
			if v.LastSequence, err = d.readUvarint(); err != nil {
				return err
			}

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.deleteFile(level, fileNum)

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			m := &FileMetadata{}
			if m.FileNum, err = d.readUvarint(); err != nil {
				return err
			}
			if m.Size, err = d.readUvarint(); err != nil {
				return err
			}
			if m.Smallest, err = d.readKey(); err != nil {
				return err
			}
			if m.Largest, err = d.readKey(); err != nil {
				return err
			}
			if m.SmallestSeq, err = d.readUvarint(); err != nil {
				return err
			}
			if m.LargestSeq, err = d.readUvarint(); err != nil {
				return err
			}
			v.addFile(level, m)

		default:
			return errors.Wrapf(errCorruptManifest, "unknown tag %d", tag)
		}
	}
	return nil
}

type byteReader interface {
	io.ByteReader
	io.Reader
}

type versionEditDecoder struct {
	byteReader
	numLevels int
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(d, s); err != nil {
		return nil, errCorruptManifest
	}
	return s, nil
}

func (d versionEditDecoder) readKey() (InternalKey, error) {
	b, err := d.readBytes()
	if err != nil {
		return InternalKey{}, err
	}
	return decodeInternalKey(b)
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= uint64(d.numLevels) {
		return 0, errors.Wrapf(errCorruptManifest, "level %d", u)
	}
	return int(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		return 0, errCorruptManifest
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeKey(k InternalKey) {
	e.writeBytes(encodeInternalKey(nil, k))
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// bulkVersionEdit summarizes the files added and deleted by a sequence of edits.
type bulkVersionEdit struct {
	added   []map[uint64]*FileMetadata
	deleted []map[uint64]bool
}

func newBulkVersionEdit(numLevels int) *bulkVersionEdit {
	b := &bulkVersionEdit{
		added:   make([]map[uint64]*FileMetadata, numLevels),
		deleted: make([]map[uint64]bool, numLevels),
	}
	for i := range b.added {
		b.added[i] = make(map[uint64]*FileMetadata)
		b.deleted[i] = make(map[uint64]bool)
	}
	return b
}

// accumulate folds ve into b. A file added and later deleted at the same level
// cancels out.
func (b *bulkVersionEdit) accumulate(ve *VersionEdit) {
	for df := range ve.DeletedFiles {
		if _, ok := b.added[df.Level][df.FileNum]; ok {
			delete(b.added[df.Level], df.FileNum)
			continue
		}
		b.deleted[df.Level][df.FileNum] = true
	}
	for _, nf := range ve.NewFiles {
		b.added[nf.Level][nf.Meta.FileNum] = nf.Meta
	}
}

// apply builds the version obtained by applying b to curr, which may be nil.
func (b *bulkVersionEdit) apply(curr *Version, numLevels int) (*Version, error) {
	levels := make([][]*FileMetadata, numLevels)
	for level := range levels {
		var currFiles []*FileMetadata
		if curr != nil {
			currFiles = curr.Levels[level]
		}
		found := 0
		files := make([]*FileMetadata, 0, len(currFiles)+len(b.added[level]))
		for _, f := range currFiles {
			if b.deleted[level][f.FileNum] {
				found++
				continue
			}
			files = append(files, f)
		}
		if found != len(b.deleted[level]) {
			return nil, errors.Wrapf(errCorruptManifest, "deleting a file missing from L%d", level)
		}
		for _, f := range b.added[level] {
			files = append(files, f)
		}
		if level == 0 {
			sortBySeq(files)
		} else {
			sortBySmallest(files)
		}
		levels[level] = files
	}
	v := newVersion(levels)
	if err := v.CheckOrdering(); err != nil {
		return nil, err
	}
	return v, nil
}
