package lsm

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Block compression types, written as the first trailer byte of every block.
const (
	noCompressionType     uint8 = 0
	snappyCompressionType uint8 = 1
	zstdCompressionType   uint8 = 2
)

// Compressor defines an interface for optional block compression.
type Compressor interface {
	Name() string
	Type() uint8
	Compress(in []byte) ([]byte, error)
	Decompress(in []byte) ([]byte, error)
}

type noCompression struct{}

func (noCompression) Name() string { return "none" }

func (noCompression) Type() uint8 { return noCompressionType }

func (noCompression) Compress(in []byte) ([]byte, error) { return in, nil }

func (noCompression) Decompress(in []byte) ([]byte, error) { return in, nil }

type snappyCompression struct{}

func (snappyCompression) Name() string { return "snappy" }

func (snappyCompression) Type() uint8 { return snappyCompressionType }

func (snappyCompression) Compress(in []byte) ([]byte, error) {
	return snappy.Encode(nil, in), nil
}

func (snappyCompression) Decompress(in []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, in)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "lsm: snappy decode"), ErrCorruption)
	}
	return out, nil
}

// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls,
// so one of each is shared by every table.
var zstdState struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdState.once.Do(func() {
		zstdState.encoder, zstdState.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdState.err != nil {
			return
		}
		zstdState.decoder, zstdState.err = zstd.NewReader(nil)
	})
	return zstdState.encoder, zstdState.decoder, zstdState.err
}

type zstdCompression struct{}

func (zstdCompression) Name() string { return "zstd" }

func (zstdCompression) Type() uint8 { return zstdCompressionType }

func (zstdCompression) Compress(in []byte) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(in, nil), nil
}

func (zstdCompression) Decompress(in []byte) ([]byte, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(in, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "lsm: zstd decode"), ErrCorruption)
	}
	return out, nil
}

func pickCompressor(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return noCompression{}, nil
	case "snappy":
		return snappyCompression{}, nil
	case "zstd":
		return zstdCompression{}, nil
	}
	return nil, errors.Newf("lsm: unknown compression %q", name)
}

func compressorForType(t uint8) (Compressor, error) {
	switch t {
	case noCompressionType:
		return noCompression{}, nil
	case snappyCompressionType:
		return snappyCompression{}, nil
	case zstdCompressionType:
		return zstdCompression{}, nil
	}
	return nil, CorruptionErrorf("lsm: unknown block compression type %d", t)
}
