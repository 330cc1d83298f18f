package lsm

// Iterator walks live user keys in ascending order as of a fixed sequence number.
type Iterator interface {
	// Seek moves to the first key >= key.
	Seek(key []byte)
	First()
	Last()
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	// Error reports a read failure; Valid is false once one occurs.
	Error() error
	Close() error
}

// InternalIterator walks internal keys in internal key order: userKey asc, seq
// desc. Every version and tombstone is visible.
type InternalIterator interface {
	First()
	Last()
	SeekGE(key InternalKey)
	SeekLT(key InternalKey)
	Next()
	Valid() bool

	InternalKey() InternalKey
	Value() []byte
	Error() error
	Close() error
}

var (
	_ InternalIterator = (*blockIter)(nil)
	_ InternalIterator = (*tableIter)(nil)
	_ InternalIterator = (*memTableIter)(nil)
	_ InternalIterator = (*mergingIter)(nil)
	_ InternalIterator = (*levelIter)(nil)
	_ Iterator         = (*dbIter)(nil)
)

// errorIter is positioned nowhere and reports err.
type errorIter struct{ err error }

func (e *errorIter) First()                   {}
func (e *errorIter) Last()                    {}
func (e *errorIter) SeekGE(InternalKey)       {}
func (e *errorIter) SeekLT(InternalKey)       {}
func (e *errorIter) Next()                    {}
func (e *errorIter) Valid() bool              { return false }
func (e *errorIter) InternalKey() InternalKey { return InternalKey{} }
func (e *errorIter) Value() []byte            { return nil }
func (e *errorIter) Error() error             { return e.err }
func (e *errorIter) Close() error             { return e.err }

// prefixSuccessor returns the smallest key greater than every key with the given
// prefix, or nil when there is none.
func prefixSuccessor(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
