package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DB wraps the database connection with dialect support
type DB struct {
	*sql.DB
	Dialect Dialect
}

// QueryRowContext executes a query that returns a single row with automatic placeholder rewriting
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Dialect.RewriteQuery(query), args...)
}

// QueryContext executes a query with automatic placeholder rewriting
func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Dialect.RewriteQuery(query), args...)
}

// ExecContext executes a query that doesn't return rows with automatic placeholder rewriting
func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Dialect.RewriteQuery(query), args...)
}

// SQL is a Store keeping every document as a row of the documents table.
// Update is an optimistic compare-and-swap on the version column.
type SQL struct {
	db *DB
}

// OpenSQL connects with the dialect, applies connection settings and creates
// the documents table if needed.
func OpenSQL(ctx context.Context, dialect Dialect, config DialectConfig) (*SQL, error) {
	db, err := sql.Open(dialect.DriverName(), dialect.DSN(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := dialect.ConfigureConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure connection: %w", err)
	}

	if _, err := db.ExecContext(ctx, dialect.CreateDocumentsTableQuery()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}

	return &SQL{db: &DB{DB: db, Dialect: dialect}}, nil
}

func (s *SQL) Get(ctx context.Context, collection, key string) (*Document, error) {
	doc := &Document{Collection: collection, Key: key}
	err := s.db.QueryRowContext(ctx,
		"SELECT body, version FROM documents WHERE collection = ? AND doc_key = ?",
		collection, key,
	).Scan(&doc.Body, &doc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

func (s *SQL) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		cur, err := s.Get(ctx, collection, key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		var body []byte
		var version int64
		if exists {
			body, version = cur.Body, cur.Version
		}

		next, err := fn(body, exists)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		var res sql.Result
		now := time.Now().UTC()
		if exists {
			res, err = s.db.ExecContext(ctx,
				"UPDATE documents SET body = ?, version = ?, updated_at = ? WHERE collection = ? AND doc_key = ? AND version = ?",
				next, version+1, now, collection, key, version,
			)
		} else {
			res, err = s.db.ExecContext(ctx, s.db.Dialect.InsertIfAbsentQuery(), collection, key, next, int64(1), now)
		}
		if err != nil {
			return fmt.Errorf("failed to write document %s/%s: %w", collection, key, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to write document %s/%s: %w", collection, key, err)
		}
		if n == 1 {
			return nil
		}
		// Lost the race to another writer; re-read and re-apply
	}
	return fmt.Errorf("docstore: update %s/%s: too many concurrent writers", collection, key)
}

func (s *SQL) List(ctx context.Context, collection, afterKey string, limit int) ([]Document, error) {
	query := "SELECT doc_key, body, version FROM documents WHERE collection = ? AND doc_key > ? ORDER BY doc_key"
	args := []interface{}{collection, afterKey}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d := Document{Collection: collection}
		if err := rows.Scan(&d.Key, &d.Body, &d.Version); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) Close() error {
	return s.db.Close()
}
