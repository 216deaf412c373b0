package cache

import (
	"context"
	"errors"
)

// ErrCacheWrite marks a failed cache write. Callers log it and keep the
// rendered output; it never fails a job.
var ErrCacheWrite = errors.New("cache write failed")

// Store is a content-addressed render cache. Entries are immutable; concurrent
// writers of the same key race and the last one wins, which is safe because
// identical keys carry identical bytes.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Put(ctx context.Context, key Key, data []byte) error
}
