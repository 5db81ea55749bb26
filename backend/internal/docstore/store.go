// Package docstore is a small document store abstraction: per-key reads,
// atomic read-modify-write with create-if-absent, and key-ordered scans of a
// collection. It offers no multi-document transactions.
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrNoChange may be returned by an UpdateFunc to skip the write.
	ErrNoChange = errors.New("docstore: no change")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("docstore: store closed")
)

// Document is a stored body with its collection, key and write version.
type Document struct {
	Collection string
	Key        string
	Body       []byte
	Version    int64
}

// UpdateFunc receives the current body (nil with exists=false when absent)
// and returns the body to store. It may be called more than once when a
// backend retries after a concurrent write, so it must not have side effects.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store is implemented by every backend.
//
// Update is atomic per key: concurrent Updates to the same key are
// serialised, each observing the result of the previous one. Updates to
// different keys are independent.
type Store interface {
	Get(ctx context.Context, collection, key string) (*Document, error)
	Update(ctx context.Context, collection, key string, fn UpdateFunc) error
	// List returns up to limit documents with key > afterKey in key order.
	List(ctx context.Context, collection, afterKey string, limit int) ([]Document, error)
	Close() error
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
