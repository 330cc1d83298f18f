package lsm

import (
	"encoding/binary"
)

const batchHeaderLen = 12

// Batch is an ordered set of writes applied atomically. Each op is assigned its
// own sequence number at commit, in insertion order, so a later op on the same
// key shadows an earlier one.
//
// Repr: [seq u64][count u32] followed by count records of
// [kind u8][uvarint klen][key][uvarint vlen][value].
type Batch struct {
	data  []byte
	count uint32
}

func NewBatch() *Batch {
	b := &Batch{}
	b.Reset()
	return b
}

func (b *Batch) init() {
	if len(b.data) < batchHeaderLen {
		b.data = make([]byte, batchHeaderLen, 256)
	}
}

func (b *Batch) Set(key, value []byte) {
	b.add(KindPut, key, value)
}

func (b *Batch) Delete(key []byte) {
	b.add(KindDel, key, nil)
}

func (b *Batch) add(kind uint8, key, value []byte) {
	b.init()
	b.data = append(b.data, kind)
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	b.data = binary.AppendUvarint(b.data, uint64(len(value)))
	b.data = append(b.data, value...)
	b.count++
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
}

func (b *Batch) Count() uint32 { return b.count }

func (b *Batch) Empty() bool { return b.count == 0 }

func (b *Batch) Reset() {
	if cap(b.data) >= batchHeaderLen {
		b.data = b.data[:batchHeaderLen]
		clear(b.data)
	} else {
		b.data = nil
	}
	b.count = 0
	b.init()
}

// Len is the encoded size in bytes.
func (b *Batch) Len() int {
	b.init()
	return len(b.data)
}

func (b *Batch) seqNum() uint64 {
	b.init()
	return binary.LittleEndian.Uint64(b.data[:8])
}

func (b *Batch) setSeqNum(seq uint64) {
	b.init()
	binary.LittleEndian.PutUint64(b.data[:8], seq)
}

// Repr returns the encoded batch. It aliases the batch's buffer.
func (b *Batch) Repr() []byte {
	b.init()
	return b.data
}

// approxMemSize estimates how much a memtable grows when the batch is applied.
func (b *Batch) approxMemSize() int64 {
	return int64(len(b.data)) + int64(b.count)*memEntryOverhead
}

type batchOp struct {
	kind  uint8
	key   []byte
	value []byte
}

// decodeBatch parses a repr produced by Batch.Repr. Keys and values alias repr.
func decodeBatch(repr []byte) (*Batch, error) {
	if len(repr) < batchHeaderLen {
		return nil, CorruptionErrorf("lsm: batch too short (%d bytes)", len(repr))
	}
	b := &Batch{data: repr, count: binary.LittleEndian.Uint32(repr[8:12])}
	n := uint32(0)
	err := b.forEach(func(batchOp) error {
		n++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n != b.count {
		return nil, CorruptionErrorf("lsm: batch count %d, found %d records", b.count, n)
	}
	return b, nil
}

// forEach visits ops in insertion order.
func (b *Batch) forEach(fn func(op batchOp) error) error {
	b.init()
	data := b.data[batchHeaderLen:]
	for len(data) > 0 {
		kind := data[0]
		if kind != KindPut && kind != KindDel {
			return CorruptionErrorf("lsm: batch record has unknown kind %d", kind)
		}
		data = data[1:]
		klen, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < klen {
			return CorruptionErrorf("lsm: batch record key overruns buffer")
		}
		key := data[n : n+int(klen)]
		data = data[n+int(klen):]
		vlen, m := binary.Uvarint(data)
		if m <= 0 || uint64(len(data)-m) < vlen {
			return CorruptionErrorf("lsm: batch record value overruns buffer")
		}
		value := data[m : m+int(vlen)]
		data = data[m+int(vlen):]
		if err := fn(batchOp{kind: kind, key: key, value: value}); err != nil {
			return err
		}
	}
	return nil
}
