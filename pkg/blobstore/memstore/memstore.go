// Package memstore provides an in-memory blobstore.Store for tests of
// components that consume the BlobStore interface, standing in for a real
// B2 bucket the way dittofs's in-repo fakes stand in for a real NFS
// client in its own package tests.
package memstore

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/coldpack/coldpack/pkg/blobstore"
)

// Store is a concurrency-safe, in-memory blobstore.Store.
type Store struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	nextID  int
	Uploads int // number of successful Upload calls, for test assertions
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

func (s *Store) List(_ context.Context, prefix string) ([]blobstore.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []blobstore.Info
	for name, data := range s.blobs {
		if len(prefix) > 0 && (len(name) < len(prefix) || name[:len(prefix)] != prefix) {
			continue
		}
		out = append(out, blobstore.Info{Name: name, Length: uint64(len(data))})
	}
	return out, nil
}

func (s *Store) Download(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[name]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) Upload(_ context.Context, name string, r io.Reader) (string, uint64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("memstore: read upload body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.blobs[name] = data
	s.Uploads++
	return strconv.Itoa(s.nextID), uint64(len(data)), nil
}

func (s *Store) Remove(_ context.Context, name, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, name)
	return nil
}

// Len returns the number of blobs currently stored, for test assertions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Has reports whether a blob with the given name exists.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[name]
	return ok
}
