package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"example.com/lsmkv/pkg/lsm/cache"
)

/*
SSTable layout:

	[data block 0] ... [data block n-1] [index block] [meta block] [footer]

Every block is payload|type|crc32c. The index maps the last internal key of each
data block to its handle. The meta block carries the key range, counters and the
serialized bloom filter.

Footer (60 bytes, little endian):

	level u32 | version u32 | data_len u64 | index_len u64 | meta_len u64 |
	part_size u64 | entries u64 | crc u32 | magic u64

crc covers the data and index regions.
*/
const (
	sstMagic      uint64 = 0x626c6b537354626c
	sstVersion    uint32 = 1
	sstFooterLen         = 60
	indexInterval        = 2
)

type Footer struct {
	Level    uint32
	Version  uint32
	DataLen  uint64
	IndexLen uint64
	MetaLen  uint64
	PartSize uint64
	Entries  uint64
	CRC      uint32
	Magic    uint64
}

func (f Footer) encode() []byte {
	buf := make([]byte, 0, sstFooterLen)
	buf = binary.LittleEndian.AppendUint32(buf, f.Level)
	buf = binary.LittleEndian.AppendUint32(buf, f.Version)
	buf = binary.LittleEndian.AppendUint64(buf, f.DataLen)
	buf = binary.LittleEndian.AppendUint64(buf, f.IndexLen)
	buf = binary.LittleEndian.AppendUint64(buf, f.MetaLen)
	buf = binary.LittleEndian.AppendUint64(buf, f.PartSize)
	buf = binary.LittleEndian.AppendUint64(buf, f.Entries)
	buf = binary.LittleEndian.AppendUint32(buf, f.CRC)
	return binary.LittleEndian.AppendUint64(buf, f.Magic)
}

func decodeFooter(b []byte) (Footer, error) {
	if len(b) != sstFooterLen {
		return Footer{}, CorruptionErrorf("lsm: footer is %d bytes", len(b))
	}
	f := Footer{
		Level:    binary.LittleEndian.Uint32(b[0:]),
		Version:  binary.LittleEndian.Uint32(b[4:]),
		DataLen:  binary.LittleEndian.Uint64(b[8:]),
		IndexLen: binary.LittleEndian.Uint64(b[16:]),
		MetaLen:  binary.LittleEndian.Uint64(b[24:]),
		PartSize: binary.LittleEndian.Uint64(b[32:]),
		Entries:  binary.LittleEndian.Uint64(b[40:]),
		CRC:      binary.LittleEndian.Uint32(b[48:]),
		Magic:    binary.LittleEndian.Uint64(b[52:]),
	}
	if f.Magic != sstMagic {
		return Footer{}, CorruptionErrorf("lsm: bad table magic %x", f.Magic)
	}
	if f.Version != sstVersion {
		return Footer{}, CorruptionErrorf("lsm: unsupported table version %d", f.Version)
	}
	return f, nil
}

// tableProps is the content of the meta block.
type tableProps struct {
	Smallest    InternalKey
	Largest     InternalKey
	SmallestSeq uint64
	LargestSeq  uint64
	Entries     uint64
	Tombstones  uint64
	Filter      []byte
}

func (p *tableProps) encode() []byte {
	var buf []byte
	for _, k := range []InternalKey{p.Smallest, p.Largest} {
		ek := encodeInternalKey(nil, k)
		buf = binary.AppendUvarint(buf, uint64(len(ek)))
		buf = append(buf, ek...)
	}
	buf = binary.AppendUvarint(buf, p.SmallestSeq)
	buf = binary.AppendUvarint(buf, p.LargestSeq)
	buf = binary.AppendUvarint(buf, p.Entries)
	buf = binary.AppendUvarint(buf, p.Tombstones)
	buf = binary.AppendUvarint(buf, uint64(len(p.Filter)))
	return append(buf, p.Filter...)
}

func decodeTableProps(b []byte) (tableProps, error) {
	var p tableProps
	bad := CorruptionErrorf("lsm: malformed meta block")
	readBytes := func() ([]byte, bool) {
		n, m := binary.Uvarint(b)
		if m <= 0 || uint64(len(b)-m) < n {
			return nil, false
		}
		v := b[m : m+int(n)]
		b = b[m+int(n):]
		return v, true
	}
	readUvarint := func() (uint64, bool) {
		v, m := binary.Uvarint(b)
		if m <= 0 {
			return 0, false
		}
		b = b[m:]
		return v, true
	}
	for _, dst := range []*InternalKey{&p.Smallest, &p.Largest} {
		raw, ok := readBytes()
		if !ok {
			return p, bad
		}
		k, err := decodeInternalKey(raw)
		if err != nil {
			return p, err
		}
		*dst = k
	}
	for _, dst := range []*uint64{&p.SmallestSeq, &p.LargestSeq, &p.Entries, &p.Tombstones} {
		v, ok := readUvarint()
		if !ok {
			return p, bad
		}
		*dst = v
	}
	filter, ok := readBytes()
	if !ok {
		return p, bad
	}
	p.Filter = filter
	return p, nil
}

// --- Table writer ---

type tableWriter struct {
	f          *os.File
	w          *bufio.Writer
	crc        hash.Hash32
	level      uint32
	blockSize  int
	fpRate     float64
	compressor Compressor
	data       *blockBuilder
	index      *blockBuilder

	offset   uint64
	lastKey  []byte // encoded
	props    tableProps
	userKeys [][]byte // distinct user keys for the filter
	keyBuf   []byte

	finished bool
	footer   Footer
}

// NewTableWriter writes a level 0 table to f.
func NewTableWriter(f *os.File, opts Options) (*tableWriter, error) {
	return newTableWriter(f, opts, 0)
}

func newTableWriter(f *os.File, opts Options, level int) (*tableWriter, error) {
	c, err := pickCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	restart := opts.BlockRestartInterval
	if restart <= 0 {
		restart = defaultDataRestartInterval
	}
	return &tableWriter{
		f:          f,
		w:          bufio.NewWriterSize(f, 256<<10),
		crc:        crc32.New(crcTab),
		level:      uint32(level),
		blockSize:  blockSize,
		fpRate:     opts.BloomFpRate,
		compressor: c,
		data:       newBlockBuilder(restart),
		index:      newBlockBuilder(indexInterval),
	}, nil
}

// Add expects InternalKey ordered by userKey asc and seq desc, with no duplicates.
func (tw *tableWriter) Add(key InternalKey, value []byte) error {
	if tw.finished {
		return errors.New("lsm: add to finished table")
	}
	tw.keyBuf = encodeInternalKey(tw.keyBuf[:0], key)
	if tw.props.Entries > 0 {
		prev, _ := decodeInternalKey(tw.lastKey)
		if compareKeys(prev, key) >= 0 {
			return errors.Newf("lsm: table keys out of order: %s after %s", key, prev)
		}
		if !bytes.Equal(prev.UserKey, key.UserKey) {
			tw.userKeys = append(tw.userKeys, append([]byte(nil), key.UserKey...))
		}
	} else {
		tw.props.Smallest = key.Clone()
		tw.props.SmallestSeq = key.Seq
		tw.userKeys = append(tw.userKeys, append([]byte(nil), key.UserKey...))
	}
	tw.lastKey = append(tw.lastKey[:0], tw.keyBuf...)
	tw.props.SmallestSeq = min(tw.props.SmallestSeq, key.Seq)
	tw.props.LargestSeq = max(tw.props.LargestSeq, key.Seq)
	tw.props.Entries++
	if key.Kind == KindDel {
		tw.props.Tombstones++
	}

	tw.data.Add(tw.keyBuf, value)
	if tw.data.EstimatedSize() >= tw.blockSize {
		return tw.flushDataBlock()
	}
	return nil
}

func (tw *tableWriter) flushDataBlock() error {
	if tw.data.Empty() {
		return nil
	}
	h, err := tw.writeBlock(tw.data.Finish(), tw.compressor, true)
	if err != nil {
		return err
	}
	tw.data.Reset()
	tw.index.Add(tw.lastKey, h.encode(nil))
	return nil
}

func (tw *tableWriter) writeBlock(raw []byte, c Compressor, checksummed bool) (BlockHandle, error) {
	phys, err := encodePhysicalBlock(raw, c)
	if err != nil {
		return BlockHandle{}, err
	}
	if _, err := tw.w.Write(phys); err != nil {
		return BlockHandle{}, ioErrorf(err, "lsm: writing %s", tw.f.Name())
	}
	if checksummed {
		tw.crc.Write(phys)
	}
	h := BlockHandle{Offset: tw.offset, Length: uint64(len(phys))}
	tw.offset += uint64(len(phys))
	return h, nil
}

// EstimatedSize is the file size if the table were finished now.
func (tw *tableWriter) EstimatedSize() uint64 {
	return tw.offset + uint64(tw.data.EstimatedSize())
}

func (tw *tableWriter) NumEntries() uint64 { return tw.props.Entries }

// Finish writes the index, meta block and footer and syncs the file.
func (tw *tableWriter) Finish() (Footer, error) {
	if tw.finished {
		return tw.footer, nil
	}
	if err := tw.flushDataBlock(); err != nil {
		return Footer{}, err
	}
	dataLen := tw.offset
	if _, err := tw.writeBlock(tw.index.Finish(), tw.compressor, true); err != nil {
		return Footer{}, err
	}
	indexLen := tw.offset - dataLen

	if tw.props.Entries > 0 {
		tw.props.Largest, _ = decodeInternalKey(tw.lastKey)
		tw.props.Largest = tw.props.Largest.Clone()
	}
	if tw.fpRate > 0 && tw.fpRate < 1 {
		bp := newBloomPolicy(len(tw.userKeys), tw.fpRate)
		for _, k := range tw.userKeys {
			bp.Add(k)
		}
		filter, err := bp.WriteToBuffer()
		if err != nil {
			return Footer{}, err
		}
		tw.props.Filter = filter
	}
	if _, err := tw.writeBlock(tw.props.encode(), noCompression{}, false); err != nil {
		return Footer{}, err
	}
	metaLen := tw.offset - dataLen - indexLen

	footer := Footer{
		Level:    tw.level,
		Version:  sstVersion,
		DataLen:  dataLen,
		IndexLen: indexLen,
		MetaLen:  metaLen,
		PartSize: uint64(tw.blockSize),
		Entries:  tw.props.Entries,
		CRC:      tw.crc.Sum32(),
		Magic:    sstMagic,
	}
	if _, err := tw.w.Write(footer.encode()); err != nil {
		return Footer{}, ioErrorf(err, "lsm: writing %s", tw.f.Name())
	}
	tw.offset += sstFooterLen
	if err := tw.w.Flush(); err != nil {
		return Footer{}, ioErrorf(err, "lsm: writing %s", tw.f.Name())
	}
	if err := tw.f.Sync(); err != nil {
		return Footer{}, ioErrorf(err, "lsm: syncing %s", tw.f.Name())
	}
	tw.finished = true
	tw.footer = footer
	tw.userKeys = nil
	return footer, nil
}

func (tw *tableWriter) Close() error {
	if tw.f == nil {
		return nil
	}
	err := tw.f.Close()
	tw.f = nil
	return ioErrorf(err, "lsm: closing table")
}

// --- Table reader ---

type tableReader struct {
	f       *os.File
	fileNum uint64
	footer  Footer
	props   tableProps
	filter  *BloomPolicy
	cache   *cache.Cache[*block]
	metrics *dbMetrics
	// index is pinned when there is no block cache to hold it.
	index *block
}

// OpenTable reads and verifies a table without a block cache.
func OpenTable(f *os.File, opts Options) (*tableReader, error) {
	return openTable(f, 0, nil, nil)
}

func openTable(f *os.File, fileNum uint64, c *cache.Cache[*block], m *dbMetrics) (*tableReader, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, ioErrorf(err, "lsm: stat %s", f.Name())
	}
	size := fi.Size()
	if size < sstFooterLen {
		return nil, CorruptionErrorf("lsm: %s is %d bytes, shorter than a footer", f.Name(), size)
	}
	fb := make([]byte, sstFooterLen)
	if _, err := f.ReadAt(fb, size-sstFooterLen); err != nil {
		return nil, ioErrorf(err, "lsm: reading footer of %s", f.Name())
	}
	footer, err := decodeFooter(fb)
	if err != nil {
		return nil, err
	}
	if footer.DataLen+footer.IndexLen+footer.MetaLen+sstFooterLen != uint64(size) {
		return nil, CorruptionErrorf("lsm: %s footer lengths do not add up to file size %d", f.Name(), size)
	}

	h := crc32.New(crcTab)
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, int64(footer.DataLen+footer.IndexLen))); err != nil {
		return nil, ioErrorf(err, "lsm: reading %s", f.Name())
	}
	if got := h.Sum32(); got != footer.CRC {
		return nil, CorruptionErrorf("lsm: %s checksum mismatch: got %08x want %08x", f.Name(), got, footer.CRC)
	}

	tr := &tableReader{f: f, fileNum: fileNum, footer: footer, cache: c, metrics: m}
	metaPhys := make([]byte, footer.MetaLen)
	if _, err := f.ReadAt(metaPhys, int64(footer.DataLen+footer.IndexLen)); err != nil {
		return nil, ioErrorf(err, "lsm: reading meta of %s", f.Name())
	}
	metaRaw, err := verifyPhysicalBlock(metaPhys)
	if err != nil {
		return nil, err
	}
	if tr.props, err = decodeTableProps(metaRaw); err != nil {
		return nil, err
	}
	if len(tr.props.Filter) > 0 {
		tr.filter = &BloomPolicy{}
		if err := tr.filter.ReadFromBuffer(tr.props.Filter); err != nil {
			return nil, err
		}
		tr.props.Filter = nil
	}
	if c == nil {
		if tr.index, err = tr.readBlock(tr.indexHandle()); err != nil {
			return nil, err
		}
	}
	return tr, nil
}

// verifyPhysicalBlock checks the trailer of an uncompressed block and returns its
// payload.
func verifyPhysicalBlock(phys []byte) ([]byte, error) {
	if len(phys) < blockTrailerLen {
		return nil, CorruptionErrorf("lsm: block too short (%d bytes)", len(phys))
	}
	n := len(phys) - 4
	if crc32.Checksum(phys[:n], crcTab) != binary.LittleEndian.Uint32(phys[n:]) {
		return nil, CorruptionErrorf("lsm: meta block checksum mismatch")
	}
	return phys[:n-1], nil
}

func (tr *tableReader) indexHandle() BlockHandle {
	return BlockHandle{Offset: tr.footer.DataLen, Length: tr.footer.IndexLen}
}

func (tr *tableReader) Footer() Footer { return tr.footer }

func (tr *tableReader) Smallest() InternalKey { return tr.props.Smallest }

func (tr *tableReader) Largest() InternalKey { return tr.props.Largest }

func (tr *tableReader) readBlock(h BlockHandle) (*block, error) {
	key := cache.Key{FileNum: tr.fileNum, Offset: h.Offset}
	if tr.cache != nil {
		if b, ok := tr.cache.Get(key); ok {
			return b, nil
		}
	}
	if h.Offset+h.Length > tr.footer.DataLen+tr.footer.IndexLen {
		return nil, CorruptionErrorf("lsm: block handle %d+%d outside table", h.Offset, h.Length)
	}
	phys := make([]byte, h.Length)
	if _, err := tr.f.ReadAt(phys, int64(h.Offset)); err != nil {
		return nil, ioErrorf(err, "lsm: reading block at %d", h.Offset)
	}
	b, err := decodeBlock(phys)
	if err != nil {
		return nil, err
	}
	if tr.cache != nil {
		tr.cache.Set(key, b, int64(b.size))
	}
	return b, nil
}

func (tr *tableReader) indexBlock() (*block, error) {
	if tr.index != nil {
		return tr.index, nil
	}
	return tr.readBlock(tr.indexHandle())
}

// get returns the newest entry for userKey with seq <= seqLimit.
func (tr *tableReader) get(userKey []byte, seqLimit uint64) (value []byte, kind uint8, found bool, err error) {
	if tr.props.Entries == 0 ||
		bytes.Compare(userKey, tr.props.Smallest.UserKey) < 0 ||
		bytes.Compare(userKey, tr.props.Largest.UserKey) > 0 {
		return nil, 0, false, nil
	}
	if !tr.filter.MayContain(userKey) {
		if tr.metrics != nil {
			tr.metrics.bloomNegatives.Add(1)
		}
		return nil, 0, false, nil
	}
	index, err := tr.indexBlock()
	if err != nil {
		return nil, 0, false, tableError(tr.fileNum, err)
	}
	target := seekKey(userKey, seqLimit)
	i := index.search(target)
	if i == len(index.entries) {
		return nil, 0, false, nil
	}
	h, err := decodeBlockHandle(index.entries[i].value)
	if err != nil {
		return nil, 0, false, tableError(tr.fileNum, err)
	}
	b, err := tr.readBlock(h)
	if err != nil {
		return nil, 0, false, tableError(tr.fileNum, err)
	}
	j := b.search(target)
	if j == len(b.entries) || !bytes.Equal(b.entries[j].key.UserKey, userKey) {
		return nil, 0, false, nil
	}
	e := b.entries[j]
	return e.value, e.key.Kind, true, nil
}

// Get returns the newest live value for userKey visible at seqLimit.
func (tr *tableReader) Get(userKey []byte, seqLimit uint64) ([]byte, bool, error) {
	v, kind, found, err := tr.get(userKey, seqLimit)
	if err != nil || !found || kind == KindDel {
		return nil, false, err
	}
	return v, true, nil
}

func (tr *tableReader) NewIterator() InternalIterator {
	return &tableIter{tr: tr}
}

func (tr *tableReader) Close() error {
	if tr.f == nil {
		return nil
	}
	err := tr.f.Close()
	tr.f = nil
	return ioErrorf(err, "lsm: closing table %06d", tr.fileNum)
}

// tableIter is a two-level iterator: the index block picks the data block, the
// data block iterator walks entries.
type tableIter struct {
	tr       *tableReader
	index    *block
	blockIdx int
	data     *blockIter
	err      error
}

func (it *tableIter) loadIndex() bool {
	if it.index != nil {
		return true
	}
	idx, err := it.tr.indexBlock()
	if err != nil {
		it.err = tableError(it.tr.fileNum, err)
		return false
	}
	it.index = idx
	return true
}

// loadBlock positions on data block i without positioning inside it.
func (it *tableIter) loadBlock(i int) bool {
	it.blockIdx = i
	it.data = nil
	if i < 0 || i >= len(it.index.entries) {
		return false
	}
	h, err := decodeBlockHandle(it.index.entries[i].value)
	if err == nil {
		var b *block
		if b, err = it.tr.readBlock(h); err == nil {
			it.data = newBlockIter(b)
			return true
		}
	}
	it.err = tableError(it.tr.fileNum, err)
	return false
}

// skipEmptyForward moves to the first entry of following blocks while the current
// block is exhausted.
func (it *tableIter) skipEmptyForward() {
	for it.data != nil && !it.data.Valid() {
		if !it.loadBlock(it.blockIdx + 1) {
			return
		}
		it.data.First()
	}
}

func (it *tableIter) First() {
	it.err = nil
	if !it.loadIndex() || !it.loadBlock(0) {
		return
	}
	it.data.First()
	it.skipEmptyForward()
}

func (it *tableIter) Last() {
	it.err = nil
	if !it.loadIndex() || !it.loadBlock(len(it.index.entries)-1) {
		return
	}
	it.data.Last()
}

func (it *tableIter) SeekGE(key InternalKey) {
	it.err = nil
	if !it.loadIndex() || !it.loadBlock(it.index.search(key)) {
		return
	}
	it.data.SeekGE(key)
	it.skipEmptyForward()
}

func (it *tableIter) SeekLT(key InternalKey) {
	it.err = nil
	if !it.loadIndex() {
		return
	}
	i := it.index.search(key)
	if i == len(it.index.entries) {
		i--
	}
	for ; i >= 0; i-- {
		if !it.loadBlock(i) {
			return
		}
		it.data.SeekLT(key)
		if it.data.Valid() {
			return
		}
	}
	it.data = nil
}

func (it *tableIter) Next() {
	if it.data == nil {
		return
	}
	it.data.Next()
	it.skipEmptyForward()
}

func (it *tableIter) Valid() bool { return it.err == nil && it.data != nil && it.data.Valid() }

func (it *tableIter) InternalKey() InternalKey { return it.data.InternalKey() }

func (it *tableIter) Value() []byte { return it.data.Value() }

func (it *tableIter) Error() error { return it.err }

func (it *tableIter) Close() error {
	it.data = nil
	it.index = nil
	return it.err
}
