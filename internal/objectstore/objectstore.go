// Package objectstore resolves "nats-obj://<bucket>/<key>" references
// against the broker's object store.
package objectstore

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// BucketOpener opens the named object-store bucket on the shared NATS
// connection. Satisfied by (*transport.Transport).ObjectStore.
type BucketOpener interface {
	ObjectStore(bucket string) (nats.ObjectStore, error)
}

// Store fetches object bytes, opening and caching one nats.ObjectStore
// handle per bucket on first use.
type Store struct {
	opener BucketOpener

	mu      sync.Mutex
	buckets map[string]nats.ObjectStore
}

func New(opener BucketOpener) *Store {
	return &Store{opener: opener, buckets: map[string]nats.ObjectStore{}}
}

func (s *Store) bucket(bucket string) (nats.ObjectStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if store, ok := s.buckets[bucket]; ok {
		return store, nil
	}
	store, err := s.opener.ObjectStore(bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	s.buckets[bucket] = store
	return store, nil
}

// Fetch returns the bytes stored under bucket/key.
func (s *Store) Fetch(bucket, key string) ([]byte, error) {
	store, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}

	data, err := store.GetBytes(key)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}
