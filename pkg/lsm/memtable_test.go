package lsm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemTableSizeAccounting(t *testing.T) {
	m := newMemTable(7)
	require.Zero(t, m.NumEntries())
	require.True(t, m.Empty())
	require.Equal(t, uint64(7), m.logNum)

	require.NoError(t, m.Put([]byte("a"), []byte("v1"), 100))
	require.NoError(t, m.Put([]byte("a"), []byte("v22"), 90))
	require.NoError(t, m.Delete([]byte("a"), 110))
	require.Equal(t, int64(3), m.NumEntries())
	want := int64(1+2+memEntryOverhead) + int64(1+3+memEntryOverhead) + int64(1+memEntryOverhead)
	require.Equal(t, want, m.ApproxSize())

	// Entries are stored by (user key, seq) in the skiplist.
	e := m.list.Find(internalOrdKey{userKey: []byte("a"), seq: 90})
	require.NotNil(t, e)
	ev := e.Value.(entryVal)
	require.Equal(t, KindPut, ev.kind)
	require.Equal(t, "v22", string(ev.value))
}

func TestMemTableGetVersionSelection(t *testing.T) {
	m := newMemTable(1)
	key := []byte("k")
	require.NoError(t, m.Put(key, []byte("v1"), 100))
	require.NoError(t, m.Put(key, []byte("v2"), 200))
	require.NoError(t, m.Delete(key, 250))
	require.NoError(t, m.Put([]byte("other"), []byte("x"), 300))

	for _, tc := range []struct {
		seq  uint64
		want string // empty means absent
	}{
		{50, ""},
		{100, "v1"},
		{150, "v1"},
		{200, "v2"},
		{225, "v2"},
		{250, ""},
		{maxSeq, ""},
	} {
		val, ok, err := m.Get(key, tc.seq)
		require.NoError(t, err)
		if tc.want == "" {
			require.False(t, ok, "seq %d", tc.seq)
			require.Nil(t, val)
			continue
		}
		require.True(t, ok, "seq %d", tc.seq)
		require.Equal(t, tc.want, string(val), "seq %d", tc.seq)
	}

	// The stored copy does not alias the caller's buffer.
	buf := []byte("mutable")
	require.NoError(t, m.Put([]byte("m"), buf, 400))
	buf[0] = 'X'
	val, _, _ := m.Get([]byte("m"), maxSeq)
	require.True(t, bytes.Equal(val, []byte("mutable")))
}

func TestMemTableFreezeRejectsWrites(t *testing.T) {
	m := newMemTable(1)

	// Populate with a few versions and a tombstone
	if err := m.Put([]byte("a"), []byte("va1"), 10); err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("va2"), 20); err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("b"), []byte("vb1"), 15); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete([]byte("c"), 18); err != nil {
		t.Fatal(err)
	}

	prevSize := m.ApproxSize()
	prevNum := m.NumEntries()

	imm, err := m.Freeze()
	if err != nil {
		t.Fatalf("Freeze error: %v", err)
	}
	if imm.ApproxSize() != prevSize {
		t.Fatalf("immutable ApproxSize=%d, want %d", imm.ApproxSize(), prevSize)
	}
	if imm.NumEntries() != prevNum {
		t.Fatalf("immutable NumEntries=%d, want %d", imm.NumEntries(), prevNum)
	}

	// Frozen contents stay readable.
	if val, ok, err := imm.Get([]byte("a"), 100); err != nil || !ok || !bytes.Equal(val, []byte("va2")) {
		t.Fatalf("Get(a) after freeze = (%q,%v,%v), want (va2,true,nil)", val, ok, err)
	}
	if _, ok, _ := imm.Get([]byte("c"), 100); ok {
		t.Fatalf("Get(c) after freeze found a deleted key")
	}

	if err := m.Put([]byte("d"), []byte("vd1"), 30); err != errMemTableFrozen {
		t.Fatalf("Put after freeze err = %v, want errMemTableFrozen", err)
	}
	if _, err := m.Freeze(); err != errMemTableFrozen {
		t.Fatalf("second Freeze err = %v, want errMemTableFrozen", err)
	}
	if m.NumEntries() != prevNum {
		t.Fatalf("entries=%d after rejected write, want %d", m.NumEntries(), prevNum)
	}
}

func TestInternalIteratorOrderAndSeek(t *testing.T) {
	m := newMemTable(1)
	// a: two versions
	if err := m.Put([]byte("a"), []byte("va1"), 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Put([]byte("a"), []byte("va2"), 2); err != nil {
		t.Fatal(err)
	}
	// b: one put, then tombstone
	if err := m.Put([]byte("b"), []byte("vb1"), 3); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete([]byte("b"), 4); err != nil {
		t.Fatal(err)
	}

	im, err := m.Freeze()
	if err != nil {
		t.Fatalf("Freeze error: %v", err)
	}
	i := im.NewInternalIterator()

	// First -> a@2
	i.First()
	if !i.Valid() {
		t.Fatalf("iterator not valid at First")
	}
	ik := i.InternalKey()
	if string(ik.UserKey) != "a" || ik.Seq != 2 || ik.Kind != KindPut {
		t.Fatalf("First IK = (%s,%d,%d), want (a,2,KindPut)", string(ik.UserKey), ik.Seq, ik.Kind)
	}
	if !bytes.Equal(i.Value(), []byte("va2")) {
		t.Fatalf("First Value = %q, want %q", i.Value(), []byte("va2"))
	}

	// Next -> a@1
	i.Next()
	if !i.Valid() {
		t.Fatalf("iterator not valid at a@1")
	}
	ik = i.InternalKey()
	if string(ik.UserKey) != "a" || ik.Seq != 1 || ik.Kind != KindPut {
		t.Fatalf("Next IK = (%s,%d,%d), want (a,1,KindPut)", string(ik.UserKey), ik.Seq, ik.Kind)
	}

	// Next -> b@4 (DEL)
	i.Next()
	if !i.Valid() {
		t.Fatalf("iterator not valid at b@4")
	}
	ik = i.InternalKey()
	if string(ik.UserKey) != "b" || ik.Seq != 4 || ik.Kind != KindDel {
		t.Fatalf("Next IK = (%s,%d,%d), want (b,4,KindDel)", string(ik.UserKey), ik.Seq, ik.Kind)
	}

	// SeekGE to b@3
	i.SeekGE(seekKey([]byte("b"), 3))
	if !i.Valid() {
		t.Fatalf("iterator not valid at Seek b@3")
	}
	ik = i.InternalKey()
	if string(ik.UserKey) != "b" || ik.Seq != 3 || ik.Kind != KindPut {
		t.Fatalf("Seek IK = (%s,%d,%d), want (b,3,KindPut)", string(ik.UserKey), ik.Seq, ik.Kind)
	}

	// Next -> nil
	i.Next()
	if i.Valid() {
		t.Fatalf("iterator should be invalid after last element")
	}
}

func TestMemTableIteratorReverse(t *testing.T) {
	m := newMemTable(1)
	for i, k := range []string{"a", "b", "c"} {
		if err := m.Put([]byte(k), []byte("v"+k), uint64(i+1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Put([]byte("b"), []byte("vb2"), 10); err != nil {
		t.Fatal(err)
	}
	it := m.NewInternalIterator()
	defer it.Close()

	it.Last()
	if !it.Valid() || string(it.InternalKey().UserKey) != "c" {
		t.Fatalf("Last = %v, want c", it.InternalKey())
	}
	// b@2 is the entry just before c in internal order.
	it.SeekLT(seekKey([]byte("c"), maxSeq))
	if !it.Valid() || string(it.InternalKey().UserKey) != "b" || it.InternalKey().Seq != 2 {
		t.Fatalf("SeekLT(c) = %v, want b#2", it.InternalKey())
	}
	it.SeekLT(seekKey([]byte("a"), maxSeq))
	if it.Valid() {
		t.Fatalf("SeekLT(a) = %v, want exhausted", it.InternalKey())
	}
}

func TestMemTableApplyBatch(t *testing.T) {
	m := newMemTable(1)
	b := NewBatch()
	b.Set([]byte("x"), []byte("1"))
	b.Set([]byte("y"), []byte("2"))
	b.Delete([]byte("x"))
	if err := m.apply(b, 100); err != nil {
		t.Fatal(err)
	}
	if m.NumEntries() != 3 {
		t.Fatalf("NumEntries = %d, want 3", m.NumEntries())
	}
	// Ops take consecutive sequence numbers in batch order.
	if val, ok, _ := m.Get([]byte("x"), 100); !ok || string(val) != "1" {
		t.Fatalf("Get(x,100) = (%q,%v), want (1,true)", val, ok)
	}
	if _, ok, _ := m.Get([]byte("x"), 102); ok {
		t.Fatalf("Get(x,102) found x after its delete")
	}
	if val, ok, _ := m.Get([]byte("y"), 101); !ok || string(val) != "2" {
		t.Fatalf("Get(y,101) = (%q,%v), want (2,true)", val, ok)
	}

	it := m.NewIterator(maxSeq, nil)
	defer it.Close()
	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if len(keys) != 1 || keys[0] != "y" {
		t.Fatalf("live keys = %v, want [y]", keys)
	}
}
