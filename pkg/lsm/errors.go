package lsm

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by the store contract and transactions when a key is
	// absent. DB.Get reports absence through its ok result instead.
	ErrNotFound = errors.New("lsm: not found")
	// ErrCorruption marks checksum and format failures of a WAL segment, a table or
	// the manifest.
	ErrCorruption = errors.New("lsm: corruption")
	// ErrIO marks failed disk reads and writes.
	ErrIO = errors.New("lsm: i/o error")
	// ErrLocked marks lock contention: the directory lock is held by another
	// process, or a compaction range is already claimed.
	ErrLocked = errors.New("lsm: lock contention")
	// ErrCapacity marks cache and memory bound violations.
	ErrCapacity = errors.New("lsm: capacity exceeded")
	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("lsm: db is closed")
	// ErrTxnDone is returned by operations on a committed or discarded transaction.
	ErrTxnDone = errors.New("lsm: transaction already finished")
	// ErrCompactionConflict is returned when a compaction would overlap the key
	// range of one already running. It is also marked ErrLocked.
	ErrCompactionConflict = errors.Mark(errors.New("lsm: compaction range conflict"), ErrLocked)
)

// ErrorKind classifies a failure returned by a public operation.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindIO
	ErrKindCorruption
	ErrKindNotFound
	ErrKindLockContention
	ErrKindCapacity
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindIO:
		return "IOError"
	case ErrKindCorruption:
		return "CorruptionError"
	case ErrKindNotFound:
		return "NotFoundError"
	case ErrKindLockContention:
		return "LockContentionError"
	case ErrKindCapacity:
		return "CapacityError"
	}
	return "UnknownError"
}

// ErrorKindOf reports which kind of failure err describes.
func ErrorKindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrKindUnknown
	case errors.Is(err, ErrCorruption):
		return ErrKindCorruption
	case errors.Is(err, ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, ErrLocked):
		return ErrKindLockContention
	case errors.Is(err, ErrCapacity):
		return ErrKindCapacity
	case errors.Is(err, ErrIO):
		return ErrKindIO
	}
	return ErrKindUnknown
}

// CorruptionErrorf formats a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// ioErrorf wraps a filesystem failure. A nil err stays nil.
func ioErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// TableError identifies the table a read or open failure belongs to.
type TableError struct {
	FileNum uint64
	Err     error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %06d: %v", e.FileNum, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

func tableError(fileNum uint64, err error) error {
	if err == nil {
		return nil
	}
	var te *TableError
	if errors.As(err, &te) {
		return err
	}
	return &TableError{FileNum: fileNum, Err: err}
}
