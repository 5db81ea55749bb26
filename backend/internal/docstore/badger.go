package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"familynet/backend/pkg/logger"
)

// maxConflictRetries bounds how often Update re-runs after a write conflict.
const maxConflictRetries = 16

// Badger is a Store backed by BadgerDB v4. Documents live under
// "<collection>:<key>"; the badger commit timestamp is the document version.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool
}

// NewBadger opens a BadgerDB-backed Store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("docstore: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: logger.Named("badger").Sugar()})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func badgerKey(collection, key string) []byte {
	return []byte(collection + ":" + key)
}

func badgerPrefix(collection string) []byte {
	return []byte(collection + ":")
}

func (b *Badger) Get(_ context.Context, collection, key string) (*Document, error) {
	var doc *Document
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(collection, key))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		doc = &Document{Collection: collection, Key: key, Body: val, Version: int64(item.Version())}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Update runs fn inside a read-write transaction. A concurrent commit to the
// same key makes badger reject ours with ErrConflict, so fn is re-run on the
// fresh value.
func (b *Badger) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	k := badgerKey(collection, key)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.db.Update(func(txn *badger.Txn) error {
			var cur []byte
			exists := true
			item, err := txn.Get(k)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				exists = false
			case err != nil:
				return err
			default:
				if cur, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}

			next, err := fn(cur, exists)
			if err != nil {
				return err
			}
			return txn.Set(k, next)
		})
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("docstore: update %s/%s: %w", collection, key, badger.ErrConflict)
}

func (b *Badger) List(_ context.Context, collection, afterKey string, limit int) ([]Document, error) {
	prefix := badgerPrefix(collection)
	start := badgerKey(collection, afterKey)

	var out []Document
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if afterKey != "" && bytes.Equal(k, start) {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Document{
				Collection: collection,
				Key:        string(k[len(prefix):]),
				Body:       val,
				Version:    int64(item.Version()),
			})
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's warnings and errors to zap and drops the rest.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf(f, v...) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}
