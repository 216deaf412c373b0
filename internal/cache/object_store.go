package cache

import (
	"context"
	"fmt"
	"path"
	"strings"
)

const renderContentType = "image/jpeg"

type objectClient interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}

// ObjectStore keeps cache entries in an object storage bucket under prefix.
type ObjectStore struct {
	client objectClient
	prefix string
}

// NewObjectStore wraps an object storage client. With reset set, every entry
// under prefix is removed before the store is returned.
func NewObjectStore(ctx context.Context, client objectClient, prefix string, reset bool) (*ObjectStore, error) {
	if client == nil {
		return nil, fmt.Errorf("object storage client is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "renders"
	}

	s := &ObjectStore{client: client, prefix: prefix}
	if reset {
		if _, err := client.RemovePrefix(ctx, prefix+"/"); err != nil {
			return nil, fmt.Errorf("reset object cache %s: %w", prefix, err)
		}
	}
	return s, nil
}

func (s *ObjectStore) objectKey(key Key) string {
	return path.Join(s.prefix, string(key))
}

func (s *ObjectStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	objectKey := s.objectKey(key)
	exists, err := s.client.ObjectExists(ctx, objectKey)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	data, err := s.client.ReadObject(ctx, objectKey)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *ObjectStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := s.client.WriteObject(ctx, s.objectKey(key), data, renderContentType); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	return nil
}
