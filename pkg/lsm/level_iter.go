package lsm

import (
	"sort"
)

// levelIter iterates over the disjoint, sorted tables of one level, opening each
// through the table cache only when reached.
type levelIter struct {
	tc    *tableCache
	files []*FileMetadata
	index int
	iter  InternalIterator
	err   error
}

func newLevelIter(tc *tableCache, files []*FileMetadata) *levelIter {
	return &levelIter{tc: tc, files: files, index: -1}
}

func (l *levelIter) loadFile(index int) bool {
	if l.iter != nil {
		// Read errors were already surfaced through Error.
		_ = l.iter.Close()
		l.iter = nil
	}
	l.index = index
	if index < 0 || index >= len(l.files) || l.err != nil {
		return false
	}
	l.iter = l.tc.newIter(l.files[index])
	return true
}

// settle records errors and moves forward past exhausted tables.
func (l *levelIter) settle() {
	for l.iter != nil {
		if err := l.iter.Error(); err != nil {
			l.err = err
			return
		}
		if l.iter.Valid() {
			return
		}
		if !l.loadFile(l.index + 1) {
			return
		}
		l.iter.First()
	}
}

func (l *levelIter) First() {
	l.err = nil
	if l.loadFile(0) {
		l.iter.First()
		l.settle()
	}
}

func (l *levelIter) Last() {
	l.err = nil
	if l.loadFile(len(l.files) - 1) {
		l.iter.Last()
		if err := l.iter.Error(); err != nil {
			l.err = err
		}
	}
}

func (l *levelIter) SeekGE(key InternalKey) {
	l.err = nil
	i := sort.Search(len(l.files), func(i int) bool {
		return compareKeys(l.files[i].Largest, key) >= 0
	})
	if l.loadFile(i) {
		l.iter.SeekGE(key)
		l.settle()
	}
}

func (l *levelIter) SeekLT(key InternalKey) {
	l.err = nil
	// Last table whose smallest key is below key.
	i := sort.Search(len(l.files), func(i int) bool {
		return compareKeys(l.files[i].Smallest, key) >= 0
	}) - 1
	if l.loadFile(i) {
		l.iter.SeekLT(key)
		if err := l.iter.Error(); err != nil {
			l.err = err
		}
	}
}

func (l *levelIter) Next() {
	if l.iter == nil || l.err != nil {
		return
	}
	l.iter.Next()
	l.settle()
}

func (l *levelIter) Valid() bool {
	return l.err == nil && l.iter != nil && l.iter.Valid()
}

func (l *levelIter) InternalKey() InternalKey { return l.iter.InternalKey() }

func (l *levelIter) Value() []byte { return l.iter.Value() }

func (l *levelIter) Error() error { return l.err }

func (l *levelIter) Close() error {
	l.loadFile(-1)
	return l.err
}
