package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DirStore keeps cache entries as files named by their key.
type DirStore struct {
	dir string
}

// NewDirStore prepares dir. With reset set, existing entries are removed first
// so a process starts from an empty cache.
func NewDirStore(dir string, reset bool) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if reset {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("reset cache directory %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) Dir() string {
	return s.dir
}

// Path returns where the entry for key lives, whether or not it exists yet.
func (s *DirStore) Path(key Key) string {
	return filepath.Join(s.dir, string(key))
}

func (s *DirStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	return data, true, nil
}

// Put writes to a temp file in the cache directory and renames it into place,
// so readers never observe a partial entry.
func (s *DirStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, string(key)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp entry: %v", ErrCacheWrite, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrCacheWrite, key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", ErrCacheWrite, key, err)
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrCacheWrite, key, err)
	}
	return nil
}
