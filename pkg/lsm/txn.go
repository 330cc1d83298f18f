package lsm

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/huandu/skiplist"
)

// Txn buffers writes over a pinned snapshot. Reads see the transaction's own
// writes first, then the database as of the transaction's start. Commit applies
// the buffer as one batch; concurrent transactions are not checked for
// conflicts, the last to commit wins.
type Txn struct {
	id uuid.UUID
	db *dbImpl

	mu     sync.Mutex
	rs     *readState
	snap   *Snapshot
	writes *skiplist.SkipList // []byte -> txnWrite
	done   bool
}

type txnWrite struct {
	kind  uint8
	value []byte
}

func (d *dbImpl) NewTransaction() *Txn {
	t := &Txn{
		id: uuid.New(),
		db: d,
		writes: skiplist.New(skiplist.GreaterThanFunc(func(a, b interface{}) int {
			return bytes.Compare(a.([]byte), b.([]byte))
		})),
	}
	if d.closing.Load() {
		t.done = true
		return t
	}
	// The snapshot is taken first so the pinned state holds every write it can see.
	t.snap = d.NewSnapshot()
	t.rs = d.loadReadState()
	return t
}

func (t *Txn) ID() string { return t.id.String() }

// Seq is the sequence number the transaction reads at.
func (t *Txn) Seq() uint64 {
	if t.snap == nil {
		return 0
	}
	return t.snap.Seq
}

func (t *Txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, false, t.doneErr()
	}
	if e := t.writes.Get(key); e != nil {
		w := e.Value.(txnWrite)
		if w.kind == KindDel {
			return nil, false, nil
		}
		return append([]byte(nil), w.value...), true, nil
	}
	val, kind, found, err := t.rs.get(t.db.tableCache, key, t.snap.Seq)
	if err != nil {
		return nil, false, errors.Wrapf(err, "lsm: txn %s get %q", t.id, key)
	}
	if !found || kind == KindDel {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

func (t *Txn) Set(key, value []byte) error {
	return t.buffer(KindPut, key, value)
}

// Remove buffers a tombstone; removing an absent key is not an error.
func (t *Txn) Remove(key []byte) error {
	return t.buffer(KindDel, key, nil)
}

func (t *Txn) buffer(kind uint8, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return t.doneErr()
	}
	t.writes.Set(append([]byte(nil), key...), txnWrite{kind: kind, value: append([]byte(nil), value...)})
	return nil
}

// Commit applies the buffered writes atomically. The transaction is finished
// afterwards whether or not the write succeeded.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return t.doneErr()
	}
	b := NewBatch()
	for e := t.writes.Front(); e != nil; e = e.Next() {
		w := e.Value.(txnWrite)
		if w.kind == KindDel {
			b.Delete(e.Key().([]byte))
		} else {
			b.Set(e.Key().([]byte), w.value)
		}
	}
	err := t.db.Apply(ctx, b, nil)
	t.finishLocked()
	if err != nil {
		return errors.Wrapf(err, "lsm: committing txn %s", t.id)
	}
	return nil
}

// Discard drops the buffered writes. It is safe to call after Commit.
func (t *Txn) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.finishLocked()
	}
}

func (t *Txn) finishLocked() {
	t.done = true
	t.writes.Init()
	if t.rs != nil {
		t.rs.unref()
		t.rs = nil
	}
	t.db.ReleaseSnapshot(t.snap)
}

func (t *Txn) doneErr() error {
	return errors.Wrapf(ErrTxnDone, "lsm: txn %s", t.id)
}
