package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type fileType int

const (
	fileTypeUnknown fileType = iota
	fileTypeLog
	fileTypeTable
	fileTypeManifest
	fileTypeCurrent
	fileTypeLock
	fileTypeTemp
)

func walFileName(num uint64) string { return fmt.Sprintf("WAL-%06d.log", num) }

func sstFileName(num uint64) string { return fmt.Sprintf("SST-%06d.sst", num) }

func manifestFileName(num uint64) string { return fmt.Sprintf("MANIFEST-%06d", num) }

const (
	currentFileName = "CURRENT"
	lockFileName    = "LOCK"
)

// parseFileName recognizes the names written into a DB directory.
func parseFileName(name string) (fileType, uint64) {
	switch {
	case name == currentFileName:
		return fileTypeCurrent, 0
	case name == lockFileName:
		return fileTypeLock, 0
	case strings.HasSuffix(name, ".tmp"):
		return fileTypeTemp, 0
	case strings.HasPrefix(name, "WAL-") && strings.HasSuffix(name, ".log"):
		if n, err := strconv.ParseUint(name[4:len(name)-4], 10, 64); err == nil {
			return fileTypeLog, n
		}
	case strings.HasPrefix(name, "SST-") && strings.HasSuffix(name, ".sst"):
		if n, err := strconv.ParseUint(name[4:len(name)-4], 10, 64); err == nil {
			return fileTypeTable, n
		}
	case strings.HasPrefix(name, "MANIFEST-"):
		if n, err := strconv.ParseUint(name[len("MANIFEST-"):], 10, 64); err == nil {
			return fileTypeManifest, n
		}
	}
	return fileTypeUnknown, 0
}

// setCurrentFile points CURRENT at the given manifest through a temp file and
// rename, then syncs the directory.
func setCurrentFile(dir string, manifestNum uint64) error {
	tmp := filepath.Join(dir, currentFileName+".tmp")
	if err := os.WriteFile(tmp, []byte(manifestFileName(manifestNum)+"\n"), 0o644); err != nil {
		return ioErrorf(err, "lsm: writing %s", tmp)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return ioErrorf(err, "lsm: opening %s", tmp)
	}
	err = f.Sync()
	_ = f.Close()
	if err != nil {
		return ioErrorf(err, "lsm: syncing %s", tmp)
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentFileName)); err != nil {
		return ioErrorf(err, "lsm: installing %s", currentFileName)
	}
	return syncDir(dir)
}

func readCurrentFile(dir string) (uint64, error) {
	b, err := os.ReadFile(filepath.Join(dir, currentFileName))
	if err != nil {
		return 0, err
	}
	name := strings.TrimSpace(string(b))
	typ, num := parseFileName(name)
	if typ != fileTypeManifest {
		return 0, CorruptionErrorf("lsm: CURRENT names %q", name)
	}
	return num, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioErrorf(err, "lsm: opening dir %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return ioErrorf(err, "lsm: syncing dir %s", dir)
	}
	return nil
}
