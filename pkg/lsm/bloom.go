package lsm

import (
	"bytes"

	bloom "github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
)

// FilterPolicy provides a per-table filter to avoid unnecessary IO.
type FilterPolicy interface {
	Name() string
	Add(key []byte)
	MayContain(key []byte) bool
	WriteToBuffer() ([]byte, error)
	ReadFromBuffer(buf []byte) error
}

// BloomPolicy wraps a bloom filter sized for a configurable false positive rate.
// A policy without a filter answers MayContain with true.
type BloomPolicy struct {
	FpRate float64
	Filter *bloom.BloomFilter
}

var _ FilterPolicy = (*BloomPolicy)(nil)

// newBloomPolicy sizes a filter for n keys.
func newBloomPolicy(n int, fpRate float64) *BloomPolicy {
	if n < 1 {
		n = 1
	}
	return &BloomPolicy{FpRate: fpRate, Filter: bloom.NewWithEstimates(uint(n), fpRate)}
}

func (b *BloomPolicy) Name() string { return "bloom" }

func (b *BloomPolicy) Add(key []byte) {
	if b.Filter != nil {
		b.Filter.Add(key)
	}
}

// MayContain never returns false for a key that was added.
func (b *BloomPolicy) MayContain(key []byte) bool {
	if b == nil || b.Filter == nil {
		return true
	}
	return b.Filter.Test(key)
}

func (b *BloomPolicy) WriteToBuffer() ([]byte, error) {
	if b.Filter == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := b.Filter.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "lsm: encoding bloom filter")
	}
	return buf.Bytes(), nil
}

func (b *BloomPolicy) ReadFromBuffer(buf []byte) error {
	if len(buf) == 0 {
		b.Filter = nil
		return nil
	}
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(buf)); err != nil {
		return CorruptionErrorf("lsm: decoding bloom filter: %v", err)
	}
	b.Filter = f
	return nil
}
