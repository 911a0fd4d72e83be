package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/anvil/lock"
	"github.com/projecteru2/anvil/lock/flock"
	"github.com/projecteru2/anvil/storage"
	"github.com/projecteru2/anvil/utils"
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store is a JSON file guarded by a flock file. Every process that opens
// the same pair of paths observes the same serialized history.
// A fresh flock is opened per call so goroutines sharing one Store
// exclude each other the same way separate processes do.
type Store[T any] struct {
	path     string
	lockPath string
}

// New creates a Store for the document at path, locked through lockPath.
func New[T any](path, lockPath string) *Store[T] {
	return &Store[T]{path: path, lockPath: lockPath}
}

// Read loads the document under a shared flock.
func (s *Store[T]) Read(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, flock.NewShared(s.lockPath), func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

// With loads the document under the exclusive flock and passes it to fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, flock.New(s.lockPath), func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

// Update performs a read-modify-write under the exclusive flock.
// If fn returns nil the document is atomically written back
// (temp file -> fsync -> rename).
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, flock.New(s.lockPath), func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.path, doc)
	})
}

func (s *Store[T]) load() (*T, error) {
	doc := new(T)
	data, err := os.ReadFile(s.path) //nolint:gosec // internal metadata
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	default:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	if i, ok := any(doc).(storage.Initer); ok {
		i.Init()
	}
	return doc, nil
}
