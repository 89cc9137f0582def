package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Flight coalesces concurrent calls per key: while a call for a key is in
// progress, later callers wait for and share its result instead of running
// their own. A waiter that gives up (its context ends) does not cancel the
// shared call.
type Flight struct {
	group singleflight.Group
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call. shared reports whether the result was
// delivered to more than one caller.
func (f *Flight) Do(ctx context.Context, key string, fn func() (interface{}, error)) (v interface{}, shared bool, err error) {
	ch := f.group.DoChan(key, fn)
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	}
}

// Forget makes the next Do for key start a new call even if one is still in
// flight.
func (f *Flight) Forget(key string) {
	f.group.Forget(key)
}
