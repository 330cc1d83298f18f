package lsm

import (
	"bytes"
)

// dbIter turns an internal iterator into a user iterator as of seq: versions
// newer than seq are skipped, only the newest remaining version of each user key
// is considered and tombstones hide the key.
type dbIter struct {
	iter    InternalIterator
	seq     uint64
	prefix  []byte
	upper   []byte // exclusive bound derived from prefix; nil is unbounded
	cleanup func()

	key   []byte
	value []byte
	valid bool
	err   error
}

func newDBIter(iter InternalIterator, seq uint64, prefix []byte, cleanup func()) *dbIter {
	it := &dbIter{iter: iter, seq: seq, cleanup: cleanup}
	if len(prefix) > 0 {
		it.prefix = append([]byte(nil), prefix...)
		it.upper = prefixSuccessor(it.prefix)
	}
	return it
}

func (it *dbIter) inBounds(userKey []byte) bool {
	return it.upper == nil || bytes.Compare(userKey, it.upper) < 0
}

// findNextEntry settles on the newest visible live version at or after the
// internal iterator's position.
func (it *dbIter) findNextEntry() {
	it.valid = false
	for it.iter.Valid() {
		k := it.iter.InternalKey()
		if !it.inBounds(k.UserKey) {
			break
		}
		if k.Seq > it.seq {
			it.iter.Next()
			continue
		}
		if k.Kind == KindDel {
			it.skipUserKey(k.UserKey)
			continue
		}
		it.key = append(it.key[:0], k.UserKey...)
		it.value = it.iter.Value()
		it.valid = true
		return
	}
	it.err = it.iter.Error()
}

// skipUserKey advances past every remaining version of userKey.
func (it *dbIter) skipUserKey(userKey []byte) {
	cur := append([]byte(nil), userKey...)
	for it.iter.Next(); it.iter.Valid(); it.iter.Next() {
		if !bytes.Equal(it.iter.InternalKey().UserKey, cur) {
			return
		}
	}
}

func (it *dbIter) First() {
	it.err = nil
	if it.prefix != nil {
		it.iter.SeekGE(seekKey(it.prefix, it.seq))
	} else {
		it.iter.First()
	}
	it.findNextEntry()
}

func (it *dbIter) Seek(key []byte) {
	it.err = nil
	if it.prefix != nil && bytes.Compare(key, it.prefix) < 0 {
		key = it.prefix
	}
	it.iter.SeekGE(seekKey(key, it.seq))
	it.findNextEntry()
}

// Last walks backwards one user key at a time: the largest user key below the
// bound is found with SeekLT, then a forward seek checks its newest visible
// version. Deleted or invisible keys lower the bound and the search repeats.
func (it *dbIter) Last() {
	it.err = nil
	it.valid = false
	upper := it.upper
	for {
		if upper == nil {
			it.iter.Last()
		} else {
			it.iter.SeekLT(seekKey(upper, maxSeq))
		}
		if !it.iter.Valid() {
			it.err = it.iter.Error()
			return
		}
		cand := append([]byte(nil), it.iter.InternalKey().UserKey...)
		if it.prefix != nil && !bytes.HasPrefix(cand, it.prefix) {
			return
		}
		it.iter.SeekGE(seekKey(cand, it.seq))
		if it.iter.Valid() {
			k := it.iter.InternalKey()
			if bytes.Equal(k.UserKey, cand) && k.Kind == KindPut {
				it.key = append(it.key[:0], cand...)
				it.value = it.iter.Value()
				it.valid = true
				return
			}
		} else if err := it.iter.Error(); err != nil {
			it.err = err
			return
		}
		upper = cand
	}
}

func (it *dbIter) Next() {
	if !it.valid {
		return
	}
	it.skipUserKey(it.key)
	it.findNextEntry()
}

func (it *dbIter) Valid() bool { return it.valid && it.err == nil }

func (it *dbIter) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.key
}

func (it *dbIter) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.value
}

func (it *dbIter) Error() error { return it.err }

func (it *dbIter) Close() error {
	if it.iter == nil {
		return it.err
	}
	err := it.iter.Close()
	it.iter = nil
	it.valid = false
	if it.cleanup != nil {
		it.cleanup()
		it.cleanup = nil
	}
	if it.err != nil {
		return it.err
	}
	return err
}
