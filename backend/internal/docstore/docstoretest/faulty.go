// Package docstoretest provides store wrappers for injecting failures in tests.
package docstoretest

import (
	"context"
	"errors"
	"sync"

	"familynet/backend/internal/docstore"
)

// ErrInjected is the transport error returned by injected failures
var ErrInjected = errors.New("injected store failure")

// Faulty wraps a Store and fails chosen Updates. Reads always pass through.
type Faulty struct {
	docstore.Store

	mu       sync.Mutex
	failures map[string]int // collection/key -> remaining failures, -1 forever
	updates  map[string]int
}

// NewFaulty wraps inner
func NewFaulty(inner docstore.Store) *Faulty {
	return &Faulty{
		Store:    inner,
		failures: make(map[string]int),
		updates:  make(map[string]int),
	}
}

func faultKey(collection, key string) string {
	return collection + "/" + key
}

// FailUpdates makes the next n Updates of collection/key fail. n < 0 fails
// them until Heal is called.
func (f *Faulty) FailUpdates(collection, key string, n int) {
	f.mu.Lock()
	f.failures[faultKey(collection, key)] = n
	f.mu.Unlock()
}

// Heal clears every injected failure
func (f *Faulty) Heal() {
	f.mu.Lock()
	f.failures = make(map[string]int)
	f.mu.Unlock()
}

// Updates returns how many Updates of collection/key were attempted
func (f *Faulty) Updates(collection, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[faultKey(collection, key)]
}

func (f *Faulty) Update(ctx context.Context, collection, key string, fn docstore.UpdateFunc) error {
	k := faultKey(collection, key)

	f.mu.Lock()
	f.updates[k]++
	remaining, ok := f.failures[k]
	fail := ok && remaining != 0
	if ok && remaining > 0 {
		f.failures[k] = remaining - 1
	}
	f.mu.Unlock()

	if fail {
		return ErrInjected
	}
	return f.Store.Update(ctx, collection, key, fn)
}
