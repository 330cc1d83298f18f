package lsm

import (
	"encoding/binary"
	"hash/crc32"
	"sort"
)

// blockTrailerLen is the compression type byte plus the crc32c of payload+type.
const blockTrailerLen = 5

// BlockHandle represents a [offset, length] region in the SSTable file. Length
// includes the block trailer.
type BlockHandle struct {
	Offset uint64
	Length uint64
}

func (h BlockHandle) encode(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, h.Offset)
	return binary.AppendUvarint(dst, h.Length)
}

func decodeBlockHandle(b []byte) (BlockHandle, error) {
	off, n := binary.Uvarint(b)
	if n <= 0 {
		return BlockHandle{}, CorruptionErrorf("lsm: bad block handle offset")
	}
	length, m := binary.Uvarint(b[n:])
	if m <= 0 {
		return BlockHandle{}, CorruptionErrorf("lsm: bad block handle length")
	}
	return BlockHandle{Offset: off, Length: length}, nil
}

// blockBuilder accumulates sorted KV pairs into a block. Each key is stored as the
// length of the prefix it shares with the previous key plus the remaining suffix.
// Every restartInterval entries the full key is stored so decoding can start there.
type blockBuilder struct {
	buf             []byte
	restarts        []uint32
	restartInterval int
	counter         int
	nEntries        int
	lastKey         []byte
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &blockBuilder{restartInterval: restartInterval, restarts: []uint32{0}}
}

func (b *blockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.nEntries = 0
	b.lastKey = b.lastKey[:0]
}

func (b *blockBuilder) Empty() bool { return b.nEntries == 0 }

// Add expects keys in increasing order.
func (b *blockBuilder) Add(key, value []byte) {
	shared := 0
	if b.counter < b.restartInterval {
		n := min(len(key), len(b.lastKey))
		for shared < n && key[shared] == b.lastKey[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}
	b.buf = binary.AppendUvarint(b.buf, uint64(shared))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(key)-shared))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
	b.nEntries++
}

func (b *blockBuilder) EstimatedSize() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

// Finish appends the restart array and returns the uncompressed block. The
// returned slice is only valid until the next Reset.
func (b *blockBuilder) Finish() []byte {
	for _, r := range b.restarts {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, r)
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(b.restarts)))
	return b.buf
}

var crcTab = crc32.MakeTable(crc32.Castagnoli)

// encodePhysicalBlock compresses raw and appends the trailer. Compression is
// skipped when it saves less than an eighth of the block.
func encodePhysicalBlock(raw []byte, c Compressor) ([]byte, error) {
	payload, typ := raw, noCompressionType
	if c != nil && c.Type() != noCompressionType {
		compressed, err := c.Compress(raw)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(raw)-len(raw)/8 {
			payload, typ = compressed, c.Type()
		}
	}
	out := make([]byte, 0, len(payload)+blockTrailerLen)
	out = append(out, payload...)
	out = append(out, typ)
	return binary.LittleEndian.AppendUint32(out, crc32.Checksum(out, crcTab)), nil
}

type blockEntry struct {
	key   InternalKey
	value []byte
}

// block is a decoded block; entries hold fully reconstructed keys so lookups can
// binary search without touching the restart array.
type block struct {
	entries []blockEntry
	size    int
}

func decodeBlock(phys []byte) (*block, error) {
	if len(phys) < blockTrailerLen {
		return nil, CorruptionErrorf("lsm: block too short (%d bytes)", len(phys))
	}
	n := len(phys) - 4
	if got, want := crc32.Checksum(phys[:n], crcTab), binary.LittleEndian.Uint32(phys[n:]); got != want {
		return nil, CorruptionErrorf("lsm: block checksum mismatch: got %08x want %08x", got, want)
	}
	c, err := compressorForType(phys[n-1])
	if err != nil {
		return nil, err
	}
	raw, err := c.Decompress(phys[:n-1])
	if err != nil {
		return nil, err
	}
	return parseBlock(raw)
}

func parseBlock(raw []byte) (*block, error) {
	if len(raw) < 4 {
		return nil, CorruptionErrorf("lsm: block missing restart count")
	}
	numRestarts := int(binary.LittleEndian.Uint32(raw[len(raw)-4:]))
	restartsOff := len(raw) - 4 - 4*numRestarts
	if numRestarts < 1 || restartsOff < 0 {
		return nil, CorruptionErrorf("lsm: bad restart count %d", numRestarts)
	}
	restarts := make(map[int]bool, numRestarts)
	for i := 0; i < numRestarts; i++ {
		restarts[int(binary.LittleEndian.Uint32(raw[restartsOff+4*i:]))] = true
	}

	b := &block{size: len(raw)}
	data := raw[:restartsOff]
	var prev []byte
	for off := 0; off < len(data); {
		shared, n1 := binary.Uvarint(data[off:])
		if n1 <= 0 {
			return nil, CorruptionErrorf("lsm: bad entry header at %d", off)
		}
		unshared, n2 := binary.Uvarint(data[off+n1:])
		if n2 <= 0 {
			return nil, CorruptionErrorf("lsm: bad entry header at %d", off)
		}
		vlen, n3 := binary.Uvarint(data[off+n1+n2:])
		if n3 <= 0 {
			return nil, CorruptionErrorf("lsm: bad entry header at %d", off)
		}
		if restarts[off] && shared != 0 {
			return nil, CorruptionErrorf("lsm: restart entry at %d shares a prefix", off)
		}
		p := off + n1 + n2 + n3
		if int(shared) > len(prev) || p+int(unshared)+int(vlen) > len(data) {
			return nil, CorruptionErrorf("lsm: entry at %d overruns block", off)
		}
		key := make([]byte, 0, int(shared)+int(unshared))
		key = append(key, prev[:shared]...)
		key = append(key, data[p:p+int(unshared)]...)
		p += int(unshared)
		ikey, err := decodeInternalKey(key)
		if err != nil {
			return nil, err
		}
		b.entries = append(b.entries, blockEntry{key: ikey, value: data[p : p+int(vlen) : p+int(vlen)]})
		prev = key
		off = p + int(vlen)
	}
	return b, nil
}

// search returns the index of the first entry >= key.
func (b *block) search(key InternalKey) int {
	return sort.Search(len(b.entries), func(i int) bool {
		return compareKeys(b.entries[i].key, key) >= 0
	})
}

// blockIter iterates entries within a single decoded block.
type blockIter struct {
	b   *block
	pos int
}

func newBlockIter(b *block) *blockIter { return &blockIter{b: b, pos: -1} }

func (it *blockIter) First() { it.pos = 0 }

func (it *blockIter) Last() { it.pos = len(it.b.entries) - 1 }

func (it *blockIter) SeekGE(key InternalKey) { it.pos = it.b.search(key) }

func (it *blockIter) SeekLT(key InternalKey) { it.pos = it.b.search(key) - 1 }

func (it *blockIter) Next() {
	if it.Valid() {
		it.pos++
	}
}

func (it *blockIter) Valid() bool { return it.pos >= 0 && it.pos < len(it.b.entries) }

func (it *blockIter) InternalKey() InternalKey { return it.b.entries[it.pos].key }

func (it *blockIter) Value() []byte { return it.b.entries[it.pos].value }

func (it *blockIter) Error() error { return nil }

func (it *blockIter) Close() error { return nil }
