package storage

import "context"

// Store is a locked, persisted document of type T.
//
// Read loads under a shared lock without blocking other readers.
// With loads under the exclusive lock; fn sees a consistent snapshot.
// Update is With plus an atomic write-back when fn returns nil.
type Store[T any] interface {
	Read(ctx context.Context, fn func(*T) error) error
	With(ctx context.Context, fn func(*T) error) error
	Update(ctx context.Context, fn func(*T) error) error
}

// Initer is implemented by documents that need nil maps filled after load.
type Initer interface {
	Init()
}
