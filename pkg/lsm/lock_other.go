//go:build !unix

package lsm

import (
	"io"
	"runtime"

	"github.com/cockroachdb/errors"
)

func lockDirectory(name string) (io.Closer, error) {
	return nil, errors.Newf("lsm: file locking is not implemented on %s/%s",
		runtime.GOOS, runtime.GOARCH)
}
