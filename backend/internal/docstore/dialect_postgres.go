package docstore

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresDialect implements Dialect for PostgreSQL
type PostgresDialect struct{}

// NewPostgresDialect creates a new PostgreSQL dialect
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

func (d *PostgresDialect) DSN(config DialectConfig) string {
	return config.URL
}

func (d *PostgresDialect) RewriteQuery(query string) string {
	// PostgreSQL uses $1, $2, etc. instead of ?
	return rewritePlaceholdersToNumbered(query)
}

func (d *PostgresDialect) ConfigureConnection(db *sql.DB) error {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return nil
}

func (d *PostgresDialect) CreateDocumentsTableQuery() string {
	// "C" collation keeps key order byte-wise, matching the other backends
	return `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT COLLATE "C" NOT NULL,
			doc_key TEXT COLLATE "C" NOT NULL,
			body BYTEA NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (collection, doc_key)
		);
	`
}

func (d *PostgresDialect) InsertIfAbsentQuery() string {
	return "INSERT INTO documents (collection, doc_key, body, version, updated_at) VALUES (?, ?, ?, ?, ?) " +
		"ON CONFLICT (collection, doc_key) DO NOTHING"
}
