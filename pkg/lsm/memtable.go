package lsm

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/huandu/skiplist"
)

// MemTable is the mutable in-memory table. Callers write the WAL first.
type MemTable interface {
	Put(userKey, value []byte, seq uint64) error
	Delete(userKey []byte, seq uint64) error

	// Get returns the newest value visible at seqLimit. A tombstone reads as absent.
	Get(userKey []byte, seqLimit uint64) (val []byte, ok bool, err error)

	// NewIterator walks live user keys visible at seqLimit in ascending order.
	NewIterator(seqLimit uint64, prefix []byte) Iterator

	ApproxSize() int64
	NumEntries() int64

	// Freeze makes the table read-only. Installing the next mutable table is up to
	// the caller.
	Freeze() (ImmutableMemTable, error)
}

// ImmutableMemTable is a frozen memtable waiting for flush.
type ImmutableMemTable interface {
	Get(userKey []byte, seqLimit uint64) (val []byte, ok bool, err error)
	NewIterator(seqLimit uint64, prefix []byte) Iterator

	// NewInternalIterator exposes every version in internal key order; flush
	// consumes it.
	NewInternalIterator() InternalIterator

	ApproxSize() int64
	NumEntries() int64
}

var errMemTableFrozen = errors.New("lsm: write to frozen memtable")

// internalOrdKey defines the ordering in the skiplist: userKey asc, seq desc.
// Sequence numbers are unique per entry, so the kind is kept in the value.
type internalOrdKey struct {
	userKey []byte
	seq     uint64
}

type entryVal struct {
	kind  uint8
	value []byte
}

type memTable struct {
	mu         sync.RWMutex
	list       *skiplist.SkipList
	approxSize int64
	numEntries int64
	frozen     bool

	// logNum is the WAL segment holding this table's writes.
	logNum uint64
}

var (
	_ MemTable          = (*memTable)(nil)
	_ ImmutableMemTable = (*memTable)(nil)
)

func compareInternal(a, b interface{}) int {
	ka := a.(internalOrdKey)
	kb := b.(internalOrdKey)
	if c := bytes.Compare(ka.userKey, kb.userKey); c != 0 {
		return c
	}
	if ka.seq > kb.seq {
		return -1
	}
	if ka.seq < kb.seq {
		return 1
	}
	return 0
}

func newMemTable(logNum uint64) *memTable {
	return &memTable{
		list:   skiplist.New(skiplist.GreaterThanFunc(compareInternal)),
		logNum: logNum,
	}
}

// memEntryOverhead accounts for skiplist nodes, interface boxing and allocator
// slack so ApproxSize tracks real memory and rotation happens near MemTableSize.
const memEntryOverhead = 32

func (m *memTable) add(kind uint8, userKey, value []byte, seq uint64) error {
	// One allocation holds both, detached from the caller's buffers.
	buf := make([]byte, len(userKey)+len(value))
	k := buf[:len(userKey):len(userKey)]
	copy(k, userKey)
	v := buf[len(userKey):]
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return errMemTableFrozen
	}
	m.list.Set(internalOrdKey{userKey: k, seq: seq}, entryVal{kind: kind, value: v})
	m.approxSize += int64(len(buf)) + memEntryOverhead
	m.numEntries++
	return nil
}

func (m *memTable) Put(userKey, value []byte, seq uint64) error {
	return m.add(KindPut, userKey, value, seq)
}

func (m *memTable) Delete(userKey []byte, seq uint64) error {
	return m.add(KindDel, userKey, nil, seq)
}

// apply inserts every op of b; op i gets seq+i.
func (m *memTable) apply(b *Batch, seq uint64) error {
	i := uint64(0)
	return b.forEach(func(op batchOp) error {
		err := m.add(op.kind, op.key, op.value, seq+i)
		i++
		return err
	})
}

// getEntry returns the newest version of userKey with seq <= seqLimit, tombstones
// included.
func (m *memTable) getEntry(userKey []byte, seqLimit uint64) (value []byte, kind uint8, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := m.list.Find(internalOrdKey{userKey: userKey, seq: seqLimit})
	if res == nil {
		return nil, 0, false
	}
	k := res.Key().(internalOrdKey)
	if !bytes.Equal(k.userKey, userKey) || k.seq > seqLimit {
		return nil, 0, false
	}
	ev := res.Value.(entryVal)
	return ev.value, ev.kind, true
}

func (m *memTable) Get(userKey []byte, seqLimit uint64) ([]byte, bool, error) {
	val, kind, found := m.getEntry(userKey, seqLimit)
	if !found || kind == KindDel {
		return nil, false, nil
	}
	return val, true, nil
}

func (m *memTable) NewIterator(seqLimit uint64, prefix []byte) Iterator {
	return newDBIter(m.NewInternalIterator(), seqLimit, prefix, nil)
}

func (m *memTable) NewInternalIterator() InternalIterator {
	return &memTableIter{m: m}
}

func (m *memTable) Freeze() (ImmutableMemTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return nil, errMemTableFrozen
	}
	m.frozen = true
	return m, nil
}

func (m *memTable) ApproxSize() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	sz := m.approxSize
	m.mu.RUnlock()
	return sz
}

func (m *memTable) NumEntries() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	n := m.numEntries
	m.mu.RUnlock()
	return n
}

func (m *memTable) Empty() bool { return m.NumEntries() == 0 }

// memTableIter positions under the table's read lock and caches the current
// entry, so concurrent inserts never tear a read.
type memTableIter struct {
	m     *memTable
	elem  *skiplist.Element
	key   InternalKey
	value []byte
}

func (it *memTableIter) setElem(e *skiplist.Element) {
	it.elem = e
	if e == nil {
		it.key, it.value = InternalKey{}, nil
		return
	}
	k := e.Key().(internalOrdKey)
	ev := e.Value.(entryVal)
	it.key = InternalKey{UserKey: k.userKey, Seq: k.seq, Kind: ev.kind}
	it.value = ev.value
}

// seekGE returns the first element >= key in full internal key order.
func (it *memTableIter) seekGE(key InternalKey) *skiplist.Element {
	e := it.m.list.Find(internalOrdKey{userKey: key.UserKey, seq: key.Seq})
	if e != nil {
		k := e.Key().(internalOrdKey)
		if k.seq == key.Seq && bytes.Equal(k.userKey, key.UserKey) && e.Value.(entryVal).kind > key.Kind {
			e = e.Next()
		}
	}
	return e
}

func (it *memTableIter) First() {
	it.m.mu.RLock()
	it.setElem(it.m.list.Front())
	it.m.mu.RUnlock()
}

func (it *memTableIter) Last() {
	it.m.mu.RLock()
	it.setElem(it.m.list.Back())
	it.m.mu.RUnlock()
}

func (it *memTableIter) SeekGE(key InternalKey) {
	it.m.mu.RLock()
	it.setElem(it.seekGE(key))
	it.m.mu.RUnlock()
}

func (it *memTableIter) SeekLT(key InternalKey) {
	it.m.mu.RLock()
	e := it.seekGE(key)
	if e == nil {
		e = it.m.list.Back()
	} else {
		e = e.Prev()
	}
	it.setElem(e)
	it.m.mu.RUnlock()
}

func (it *memTableIter) Next() {
	if it.elem == nil {
		return
	}
	it.m.mu.RLock()
	it.setElem(it.elem.Next())
	it.m.mu.RUnlock()
}

func (it *memTableIter) Valid() bool { return it.elem != nil }

func (it *memTableIter) InternalKey() InternalKey { return it.key }

func (it *memTableIter) Value() []byte { return it.value }

func (it *memTableIter) Error() error { return nil }

func (it *memTableIter) Close() error {
	it.setElem(nil)
	return nil
}
