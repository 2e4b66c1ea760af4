package cache

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Once holds a value fetched at most once per process lifetime.
// Concurrent cold callers share a single in-flight fetch; a failed
// fetch is not cached, so the next caller retries.
type Once[T any] struct {
	val    atomic.Pointer[T]
	flight singleflight.Group
}

func (o *Once[T]) Get(ctx context.Context, fetch func(context.Context) (T, error)) (T, error) {
	if v := o.val.Load(); v != nil {
		return *v, nil
	}
	ch := o.flight.DoChan("fill", func() (any, error) {
		if v := o.val.Load(); v != nil {
			return *v, nil
		}
		// The fetched value outlives any single caller, so the fetch
		// must not die with whichever request happened to arrive first.
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		o.val.Store(&v)
		return v, nil
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Cached reports the stored value without triggering a fetch.
func (o *Once[T]) Cached() (T, bool) {
	if v := o.val.Load(); v != nil {
		return *v, true
	}
	var zero T
	return zero, false
}
