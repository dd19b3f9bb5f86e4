package objectstore

import (
	"context"
	"fmt"

	"github.com/capserve/capserve/internal/metrics"
	perrors "github.com/capserve/capserve/pkg/errors"
)

// Backend stores object bytes under opaque keys. Implementations: in-memory
// map, flat files, badger.
type Backend interface {
	Put(key string, val []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Close() error
}

// Fetcher retrieves an object's bytes from its owning node. The client
// package provides the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref) ([]byte, error)
}

// Store resolves refs. Objects this node owns come from the local backend;
// foreign refs go through the fetcher to their owner. A miss at the owner is
// terminal: nobody else can have the bytes, so there is nothing to retry.
type Store struct {
	owner   string
	backend Backend
	fetcher Fetcher
}

// New builds a store for the node at the given endpoint. fetcher may be nil
// on nodes that never resolve foreign refs.
func New(owner string, backend Backend, fetcher Fetcher) *Store {
	return &Store{owner: owner, backend: backend, fetcher: fetcher}
}

// Owner returns the endpoint stamped into refs minted by this store.
func (s *Store) Owner() string { return s.owner }

// Put pins val locally and returns a ref other replicas can resolve later.
func (s *Store) Put(val []byte) (Ref, error) {
	ref := NewRef(s.owner)
	if err := s.backend.Put(ref.ID, val); err != nil {
		return Ref{}, err
	}
	metrics.ObjectBytes.WithLabelValues("put").Add(float64(len(val)))
	return ref, nil
}

// Get resolves a ref to its bytes, locally or from the owner.
func (s *Store) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if ref.Owner == s.owner {
		val, err := s.backend.Get(ref.ID)
		if err != nil {
			return nil, err
		}
		metrics.ObjectBytes.WithLabelValues("get").Add(float64(len(val)))
		return val, nil
	}

	if s.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured for foreign ref %s", ref)
	}
	val, err := s.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	metrics.ObjectBytes.WithLabelValues("fetch").Add(float64(len(val)))
	return val, nil
}

// GetLocal serves a ref this node owns, for the wire handler answering
// foreign fetches.
func (s *Store) GetLocal(id string) ([]byte, error) {
	return s.backend.Get(id)
}

// Delete drops a locally-owned object. Deleting a foreign ref is refused;
// only the owner manages its objects' lifetime.
func (s *Store) Delete(ref Ref) error {
	if ref.Owner != s.owner {
		return fmt.Errorf("ref %s is owned elsewhere", ref)
	}
	return s.backend.Delete(ref.ID)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// notFound wraps a backend miss in the terminal taxonomy error.
func notFound(key string) error {
	return perrors.Wrap(perrors.ErrObjectNotFound, key)
}
