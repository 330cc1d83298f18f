// Package kv defines the contract shared by interchangeable key-value backends.
package kv

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by Get for absent or deleted keys.
	ErrNotFound = errors.New("kv: key not found")
	// ErrSkipped is reported for batch operations that did not run because an
	// earlier operation of an ordered batch failed.
	ErrSkipped = errors.New("kv: operation skipped")
)

type OpKind uint8

const (
	OpGet OpKind = iota + 1
	OpSet
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // OpSet only
}

func Get(key []byte) Op { return Op{Kind: OpGet, Key: key} }
func Set(key, value []byte) Op { return Op{Kind: OpSet, Key: key, Value: value} }
func Remove(key []byte) Op { return Op{Kind: OpRemove, Key: key} }

// Result is the outcome of one batch operation. Value is set for a successful
// OpGet.
type Result struct {
	Value []byte
	Err   error
}

// Store is a key-value backend.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Remove(ctx context.Context, key []byte) error
	// Batch runs ops and returns one result per op, in op order. In ordered mode
	// ops run one after another and the first failure skips the rest; a get of an
	// absent key reports ErrNotFound without failing the batch. In parallel mode
	// every op runs and reports its own error.
	Batch(ctx context.Context, ops []Op, parallel bool) []Result
	Flush(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
	SizeOfDisk() (uint64, error)
	Close() error
}
