package lsm

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"example.com/lsmkv/pkg/lsm/cache"
)

// tableCache keeps one open reader per live table. Readers stay open until the
// table becomes obsolete; concurrent first opens of a table share one open.
type tableCache struct {
	dir        string
	blockCache *cache.Cache[*block]
	metrics    *dbMetrics

	mu      sync.RWMutex
	readers map[uint64]*tableReader
	group   singleflight.Group
}

func newTableCache(dir string, bc *cache.Cache[*block], m *dbMetrics) *tableCache {
	return &tableCache{
		dir:        dir,
		blockCache: bc,
		metrics:    m,
		readers:    make(map[uint64]*tableReader),
	}
}

func (c *tableCache) findTable(meta *FileMetadata) (*tableReader, error) {
	c.mu.RLock()
	tr := c.readers[meta.FileNum]
	c.mu.RUnlock()
	if tr != nil {
		return tr, nil
	}

	v, err, _ := c.group.Do(strconv.FormatUint(meta.FileNum, 10), func() (interface{}, error) {
		c.mu.RLock()
		tr := c.readers[meta.FileNum]
		c.mu.RUnlock()
		if tr != nil {
			return tr, nil
		}
		path := filepath.Join(c.dir, sstFileName(meta.FileNum))
		f, err := os.Open(path)
		if err != nil {
			return nil, ioErrorf(err, "lsm: opening %s", path)
		}
		tr, err = openTable(f, meta.FileNum, c.blockCache, c.metrics)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		c.mu.Lock()
		c.readers[meta.FileNum] = tr
		c.mu.Unlock()
		return tr, nil
	})
	if err != nil {
		return nil, tableError(meta.FileNum, err)
	}
	return v.(*tableReader), nil
}

func (c *tableCache) get(meta *FileMetadata, userKey []byte, seq uint64) ([]byte, uint8, bool, error) {
	tr, err := c.findTable(meta)
	if err != nil {
		return nil, 0, false, err
	}
	return tr.get(userKey, seq)
}

// newIter returns an iterator over the table; an open failure surfaces through
// the iterator's Error.
func (c *tableCache) newIter(meta *FileMetadata) InternalIterator {
	tr, err := c.findTable(meta)
	if err != nil {
		return &errorIter{err: err}
	}
	return tr.NewIterator()
}

// evict closes the reader of an obsolete table and drops its blocks.
func (c *tableCache) evict(fileNum uint64) {
	c.mu.Lock()
	tr := c.readers[fileNum]
	delete(c.readers, fileNum)
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	if c.blockCache != nil {
		c.blockCache.EvictFile(fileNum)
	}
}

func (c *tableCache) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for num, tr := range c.readers {
		if err := tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.readers, num)
	}
	return firstErr
}
