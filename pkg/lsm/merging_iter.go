package lsm

import (
	"container/heap"
)

// mergingIter merges child iterators into one internal key order. Children never
// share an internal key since sequence numbers are unique.
//
// Forward positioning keeps a min-heap of the valid children. Last and SeekLT pick
// the child holding the maximum; a following Next re-seeks every child forward.
type mergingIter struct {
	iters   []InternalIterator
	h       mergingHeap
	reverse InternalIterator // set after Last/SeekLT
	err     error
}

func newMergingIter(iters ...InternalIterator) *mergingIter {
	m := &mergingIter{iters: iters}
	m.h.iters = make([]InternalIterator, 0, len(iters))
	return m
}

type mergingHeap struct {
	iters []InternalIterator
}

func (h *mergingHeap) Len() int { return len(h.iters) }

func (h *mergingHeap) Less(i, j int) bool {
	return compareKeys(h.iters[i].InternalKey(), h.iters[j].InternalKey()) < 0
}

func (h *mergingHeap) Swap(i, j int) { h.iters[i], h.iters[j] = h.iters[j], h.iters[i] }

func (h *mergingHeap) Push(x any) { h.iters = append(h.iters, x.(InternalIterator)) }

func (h *mergingHeap) Pop() any {
	n := len(h.iters)
	it := h.iters[n-1]
	h.iters = h.iters[:n-1]
	return it
}

// checkErr records the first child error.
func (m *mergingIter) checkErr() bool {
	for _, it := range m.iters {
		if err := it.Error(); err != nil {
			m.err = err
			return false
		}
	}
	return true
}

func (m *mergingIter) initHeap() {
	m.reverse = nil
	m.h.iters = m.h.iters[:0]
	if !m.checkErr() {
		return
	}
	for _, it := range m.iters {
		if it.Valid() {
			m.h.iters = append(m.h.iters, it)
		}
	}
	heap.Init(&m.h)
}

func (m *mergingIter) initMax() {
	m.h.iters = m.h.iters[:0]
	m.reverse = nil
	if !m.checkErr() {
		return
	}
	for _, it := range m.iters {
		if it.Valid() && (m.reverse == nil || compareKeys(it.InternalKey(), m.reverse.InternalKey()) > 0) {
			m.reverse = it
		}
	}
}

func (m *mergingIter) First() {
	m.err = nil
	for _, it := range m.iters {
		it.First()
	}
	m.initHeap()
}

func (m *mergingIter) SeekGE(key InternalKey) {
	m.err = nil
	for _, it := range m.iters {
		it.SeekGE(key)
	}
	m.initHeap()
}

func (m *mergingIter) Last() {
	m.err = nil
	for _, it := range m.iters {
		it.Last()
	}
	m.initMax()
}

func (m *mergingIter) SeekLT(key InternalKey) {
	m.err = nil
	for _, it := range m.iters {
		it.SeekLT(key)
	}
	m.initMax()
}

func (m *mergingIter) Next() {
	if m.err != nil {
		return
	}
	if m.reverse != nil {
		cur := m.reverse.InternalKey().Clone()
		m.SeekGE(cur)
		if m.err != nil || len(m.h.iters) == 0 {
			return
		}
	}
	if len(m.h.iters) == 0 {
		return
	}
	top := m.h.iters[0]
	top.Next()
	if err := top.Error(); err != nil {
		m.err = err
		return
	}
	if top.Valid() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
}

func (m *mergingIter) Valid() bool {
	if m.err != nil {
		return false
	}
	return m.reverse != nil || len(m.h.iters) > 0
}

func (m *mergingIter) current() InternalIterator {
	if m.reverse != nil {
		return m.reverse
	}
	return m.h.iters[0]
}

func (m *mergingIter) InternalKey() InternalKey { return m.current().InternalKey() }

func (m *mergingIter) Value() []byte { return m.current().Value() }

func (m *mergingIter) Error() error { return m.err }

func (m *mergingIter) Close() error {
	err := m.err
	for _, it := range m.iters {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.h.iters = nil
	m.reverse = nil
	return err
}
