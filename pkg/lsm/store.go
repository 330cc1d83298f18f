package lsm

import (
	"context"
	"runtime"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"example.com/lsmkv/pkg/kv"
)

// Batch runs ops against d. Ordered mode stops at the first failure and reports
// kv.ErrSkipped for the rest; parallel mode runs every op concurrently and
// reports each error. A get of an absent key reports kv.ErrNotFound in its own
// result but is not a failure: ordered mode carries on past it.
func (d *dbImpl) Batch(ctx context.Context, ops []kv.Op, parallel bool) []kv.Result {
	results := make([]kv.Result, len(ops))
	if !parallel {
		for i, op := range ops {
			results[i] = d.runOp(ctx, op)
			if err := results[i].Err; err != nil && !errors.Is(err, kv.ErrNotFound) {
				for j := i + 1; j < len(ops); j++ {
					results[j].Err = kv.ErrSkipped
				}
				break
			}
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			// Each op owns its result slot; failures do not cancel the others.
			results[i] = d.runOp(ctx, op)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *dbImpl) runOp(ctx context.Context, op kv.Op) kv.Result {
	if err := ctx.Err(); err != nil {
		return kv.Result{Err: err}
	}
	switch op.Kind {
	case kv.OpGet:
		v, ok, err := d.Get(ctx, op.Key, nil)
		if err == nil && !ok {
			err = errors.Wrapf(kv.ErrNotFound, "key %q", op.Key)
		}
		return kv.Result{Value: v, Err: err}
	case kv.OpSet:
		return kv.Result{Err: d.Put(ctx, op.Key, op.Value, nil)}
	case kv.OpRemove:
		return kv.Result{Err: d.Delete(ctx, op.Key, nil)}
	default:
		return kv.Result{Err: errors.Newf("lsm: unknown batch op %d", op.Kind)}
	}
}

type store struct {
	db DB
}

// NewStore exposes db as a kv.Store.
func NewStore(db DB) kv.Store {
	return &store{db: db}
}

func (s *store) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, ok, err := s.db.Get(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(kv.ErrNotFound, "key %q", key)
	}
	return v, nil
}

func (s *store) Set(ctx context.Context, key, value []byte) error {
	return s.db.Put(ctx, key, value, nil)
}

func (s *store) Remove(ctx context.Context, key []byte) error {
	return s.db.Delete(ctx, key, nil)
}

func (s *store) Batch(ctx context.Context, ops []kv.Op, parallel bool) []kv.Result {
	return s.db.Batch(ctx, ops, parallel)
}

func (s *store) Flush(ctx context.Context) error { return s.db.Flush(ctx) }

func (s *store) Len(ctx context.Context) (int64, error) { return s.db.Len(ctx) }

func (s *store) SizeOfDisk() (uint64, error) { return s.db.SizeOfDisk() }

func (s *store) Close() error { return s.db.Close() }
