package lsm

import (
	"sync/atomic"
)

// readState is everything a reader needs: the current version and the memtables,
// oldest first with the mutable table last. Readers load it under a dedicated
// RWMutex instead of db.mu and release it when done; the version stays pinned
// until the last reader lets go.
type readState struct {
	refcnt    atomic.Int32
	current   *Version
	memtables []*memTable
}

func (s *readState) ref() { s.refcnt.Add(1) }

func (s *readState) unref() {
	if s.refcnt.Add(-1) == 0 {
		s.current.Unref()
	}
}

// loadReadState returns the current readState. The caller must unref it.
func (d *dbImpl) loadReadState() *readState {
	d.readState.RLock()
	state := d.readState.val
	state.ref()
	d.readState.RUnlock()
	return state
}

// updateReadStateLocked publishes a readState for the current version and
// memtables. Requires d.mu.
func (d *dbImpl) updateReadStateLocked() {
	s := &readState{
		current:   d.versions.currentVersion(),
		memtables: append([]*memTable(nil), d.mu.imm...),
	}
	s.memtables = append(s.memtables, d.mu.mem)
	s.refcnt.Store(1)
	s.current.Ref()

	d.readState.Lock()
	old := d.readState.val
	d.readState.val = s
	d.readState.Unlock()

	if old != nil {
		old.unref()
	}
}

// get searches the memtables newest first, then the tables.
func (s *readState) get(tc *tableCache, userKey []byte, seq uint64) ([]byte, uint8, bool, error) {
	for i := len(s.memtables) - 1; i >= 0; i-- {
		if v, kind, ok := s.memtables[i].getEntry(userKey, seq); ok {
			return v, kind, true, nil
		}
	}
	return s.current.get(tc, userKey, seq)
}

// newInternalIter merges every memtable and level. The iterator does not pin the
// state; callers do.
func (s *readState) newInternalIter(tc *tableCache) InternalIterator {
	iters := make([]InternalIterator, 0, len(s.memtables)+len(s.current.Levels[0])+len(s.current.Levels))
	for i := len(s.memtables) - 1; i >= 0; i-- {
		iters = append(iters, s.memtables[i].NewInternalIterator())
	}
	l0 := s.current.Levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		iters = append(iters, tc.newIter(l0[i]))
	}
	for level := 1; level < len(s.current.Levels); level++ {
		if len(s.current.Levels[level]) > 0 {
			iters = append(iters, newLevelIter(tc, s.current.Levels[level]))
		}
	}
	return newMergingIter(iters...)
}
