package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestParseFileName(t *testing.T) {
	for _, tc := range []struct {
		name string
		typ  fileType
		num  uint64
	}{
		{walFileName(12), fileTypeLog, 12},
		{sstFileName(1234567), fileTypeTable, 1234567},
		{manifestFileName(3), fileTypeManifest, 3},
		{currentFileName, fileTypeCurrent, 0},
		{lockFileName, fileTypeLock, 0},
		{sstFileName(4) + ".tmp", fileTypeTemp, 0},
		{"WAL-abc.log", fileTypeUnknown, 0},
		{"notes.txt", fileTypeUnknown, 0},
	} {
		typ, num := parseFileName(tc.name)
		require.Equal(t, tc.typ, typ, tc.name)
		require.Equal(t, tc.num, num, tc.name)
	}
}

func TestCurrentFile(t *testing.T) {
	dir := t.TempDir()
	_, err := readCurrentFile(dir)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, setCurrentFile(dir, 17))
	num, err := readCurrentFile(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(17), num)

	require.NoError(t, os.WriteFile(filepath.Join(dir, currentFileName), []byte("SST-000001.sst\n"), 0o644))
	_, err = readCurrentFile(dir)
	require.Equal(t, ErrKindCorruption, ErrorKindOf(err))
}

func TestErrorKindOf(t *testing.T) {
	require.Equal(t, ErrKindUnknown, ErrorKindOf(nil))
	require.Equal(t, ErrKindUnknown, ErrorKindOf(errors.New("other")))
	require.Equal(t, ErrKindCorruption, ErrorKindOf(CorruptionErrorf("bad %d", 1)))
	require.Equal(t, ErrKindIO, ErrorKindOf(ioErrorf(os.ErrPermission, "write")))
	require.Nil(t, ioErrorf(nil, "write"))
	require.Equal(t, ErrKindLockContention, ErrorKindOf(errors.Wrap(ErrCompactionConflict, "busy")))
	require.Equal(t, ErrKindCapacity, ErrorKindOf(errors.Mark(errors.New("full"), ErrCapacity)))
	require.Equal(t, ErrKindNotFound, ErrorKindOf(ErrNotFound))
	require.Equal(t, "CorruptionError", ErrKindCorruption.String())

	// Table errors keep the kind of their cause and wrap only once.
	te := tableError(9, CorruptionErrorf("checksum"))
	require.Equal(t, ErrKindCorruption, ErrorKindOf(te))
	wrapped := errors.Wrap(te, "get")
	require.True(t, wrapped == tableError(9, wrapped))
	var target *TableError
	require.True(t, errors.As(te, &target))
	require.Equal(t, uint64(9), target.FileNum)
	require.Contains(t, te.Error(), "table 000009")
}
