package lsm

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// FileMetadata describes one table in a version.
type FileMetadata struct {
	FileNum     uint64
	Size        uint64
	Smallest    InternalKey
	Largest     InternalKey
	SmallestSeq uint64
	LargestSeq  uint64

	// refs counts installed versions holding the file. At zero the file is
	// obsolete.
	refs atomic.Int32
	// compacting is set while a compaction owns the file. Guarded by db.mu.
	compacting bool
}

func (m *FileMetadata) String() string {
	return fmt.Sprintf("%06d:[%s-%s]", m.FileNum, m.Smallest, m.Largest)
}

// overlaps reports whether the user key range of m intersects [start, end]. A nil
// bound is unbounded.
func (m *FileMetadata) overlaps(start, end []byte) bool {
	if end != nil && bytes.Compare(m.Smallest.UserKey, end) > 0 {
		return false
	}
	if start != nil && bytes.Compare(m.Largest.UserKey, start) < 0 {
		return false
	}
	return true
}

func sortBySeq(files []*FileMetadata) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].LargestSeq != files[j].LargestSeq {
			return files[i].LargestSeq < files[j].LargestSeq
		}
		return files[i].FileNum < files[j].FileNum
	})
}

func sortBySmallest(files []*FileMetadata) {
	sort.Slice(files, func(i, j int) bool {
		return compareKeys(files[i].Smallest, files[j].Smallest) < 0
	})
}

// Version is an immutable snapshot of the table set. L0 is ordered oldest to
// newest and its tables may overlap; deeper levels are sorted by smallest key and
// disjoint.
type Version struct {
	Levels [][]*FileMetadata

	refs atomic.Int32
	// unrefFiles runs when the last reference is dropped.
	unrefFiles func(*Version)
}

func newVersion(levels [][]*FileMetadata) *Version {
	return &Version{Levels: levels}
}

func (v *Version) Ref() { v.refs.Add(1) }

func (v *Version) Unref() {
	switch n := v.refs.Add(-1); {
	case n == 0:
		if v.unrefFiles != nil {
			v.unrefFiles(v)
		}
	case n < 0:
		panic("lsm: version refcount below zero")
	}
}

// CheckOrdering verifies the level invariants.
func (v *Version) CheckOrdering() error {
	for level, files := range v.Levels {
		for i := 1; i < len(files); i++ {
			prev, f := files[i-1], files[i]
			if level == 0 {
				if prev.LargestSeq > f.LargestSeq {
					return errors.AssertionFailedf("lsm: L0 files %s and %s out of sequence order", prev, f)
				}
				continue
			}
			if bytes.Compare(prev.Largest.UserKey, f.Smallest.UserKey) >= 0 {
				return errors.AssertionFailedf("lsm: L%d files %s and %s overlap", level, prev, f)
			}
		}
	}
	return nil
}

// overlaps returns the files of level whose user key range intersects
// [start, end].
func (v *Version) overlaps(level int, start, end []byte) []*FileMetadata {
	files := v.Levels[level]
	if level == 0 {
		var out []*FileMetadata
		for _, f := range files {
			if f.overlaps(start, end) {
				out = append(out, f)
			}
		}
		return out
	}
	lo := 0
	if start != nil {
		lo = sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Largest.UserKey, start) >= 0
		})
	}
	hi := lo
	for hi < len(files) && files[hi].overlaps(start, end) {
		hi++
	}
	return files[lo:hi]
}

func (v *Version) numFiles(level int) int { return len(v.Levels[level]) }

func (v *Version) levelSize(level int) uint64 {
	var n uint64
	for _, f := range v.Levels[level] {
		n += f.Size
	}
	return n
}

// get finds the newest version of userKey visible at seq. L0 is searched newest
// first; in deeper levels at most one table can hold the key.
func (v *Version) get(tc *tableCache, userKey []byte, seq uint64) (value []byte, kind uint8, found bool, err error) {
	l0 := v.Levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		if f.SmallestSeq > seq || !f.overlaps(userKey, userKey) {
			continue
		}
		if value, kind, found, err = tc.get(f, userKey, seq); err != nil || found {
			return
		}
	}
	for level := 1; level < len(v.Levels); level++ {
		files := v.Levels[level]
		i := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].Largest.UserKey, userKey) >= 0
		})
		if i == len(files) || bytes.Compare(files[i].Smallest.UserKey, userKey) > 0 {
			continue
		}
		if value, kind, found, err = tc.get(files[i], userKey, seq); err != nil || found {
			return
		}
	}
	return nil, 0, false, nil
}

func (v *Version) String() string {
	var sb strings.Builder
	for level, files := range v.Levels {
		if len(files) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "L%d:\n", level)
		for _, f := range files {
			fmt.Fprintf(&sb, "  %s\n", f)
		}
	}
	return sb.String()
}
