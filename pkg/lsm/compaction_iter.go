package lsm

import (
	"bytes"
	"sort"
)

type compactionEntry struct {
	key   InternalKey
	value []byte
}

// compactionIter filters the merged input of a compaction. For each user key it
// keeps the newest version in every snapshot stripe: a stripe is the set of
// sequence numbers visible to the same subset of open snapshots, so exactly one
// version per stripe can ever be read. A tombstone is dropped when it is the
// oldest version kept and no deeper level may hold the key.
type compactionIter struct {
	iter      InternalIterator
	snapshots []uint64 // ascending
	// elideTombstone reports whether no level below the output holds userKey.
	elideTombstone func(userKey []byte) bool

	pending []compactionEntry
	pos     int
	err     error

	// Counts for logging.
	dropped int
}

func newCompactionIter(iter InternalIterator, snapshots []uint64, elide func([]byte) bool) *compactionIter {
	return &compactionIter{iter: iter, snapshots: snapshots, elideTombstone: elide}
}

// stripe returns the index of the earliest snapshot that can see seq;
// len(snapshots) when only readers newer than every snapshot can.
func (c *compactionIter) stripe(seq uint64) int {
	return sort.Search(len(c.snapshots), func(i int) bool { return c.snapshots[i] >= seq })
}

func (c *compactionIter) First() {
	c.iter.First()
	c.fill()
}

// fill gathers the kept versions of the next user key that keeps any.
func (c *compactionIter) fill() {
	c.pending = c.pending[:0]
	c.pos = 0
	for len(c.pending) == 0 && c.iter.Valid() {
		userKey := c.iter.InternalKey().UserKey
		lastStripe := -1
		for ; c.iter.Valid(); c.iter.Next() {
			k := c.iter.InternalKey()
			if !bytes.Equal(k.UserKey, userKey) {
				break
			}
			if s := c.stripe(k.Seq); s != lastStripe {
				c.pending = append(c.pending, compactionEntry{key: k, value: c.iter.Value()})
				lastStripe = s
			} else {
				c.dropped++
			}
		}
		for n := len(c.pending); n > 0 && c.pending[n-1].key.Kind == KindDel && c.elideTombstone(userKey); n-- {
			c.pending = c.pending[:n-1]
			c.dropped++
		}
	}
	if len(c.pending) == 0 {
		c.err = c.iter.Error()
	}
}

func (c *compactionIter) Valid() bool { return c.err == nil && c.pos < len(c.pending) }

// atUserKeyStart reports whether the current entry is the first kept version of
// its user key; outputs are only split there.
func (c *compactionIter) atUserKeyStart() bool { return c.pos == 0 }

func (c *compactionIter) Key() InternalKey { return c.pending[c.pos].key }

func (c *compactionIter) Value() []byte { return c.pending[c.pos].value }

func (c *compactionIter) Next() {
	c.pos++
	if c.pos >= len(c.pending) {
		c.fill()
	}
}

func (c *compactionIter) Error() error {
	if c.err != nil {
		return c.err
	}
	return c.iter.Error()
}

func (c *compactionIter) Close() error { return c.iter.Close() }
