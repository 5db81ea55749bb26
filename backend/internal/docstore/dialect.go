package docstore

import (
	"database/sql"
	"regexp"
	"strconv"
)

// Dialect defines the database-specific parts of the SQL store
type Dialect interface {
	// DriverName returns the driver name for sql.Open
	DriverName() string

	// DSN returns the data source name for the connection
	DSN(config DialectConfig) string

	// RewriteQuery converts placeholder syntax if needed (e.g., ? to $1 for postgres)
	RewriteQuery(query string) string

	// ConfigureConnection applies any database-specific connection settings
	ConfigureConnection(db *sql.DB) error

	// CreateDocumentsTableQuery returns the SQL to create the documents table
	CreateDocumentsTableQuery() string

	// InsertIfAbsentQuery inserts (collection, doc_key, body, version, updated_at)
	// and affects zero rows when the key already exists
	InsertIfAbsentQuery() string
}

// DialectConfig holds configuration for database connection
type DialectConfig struct {
	// For SQLite
	Path string

	// For PostgreSQL/MySQL
	URL string
}

// DialectFor returns the dialect registered for a backend name
func DialectFor(backend string) (Dialect, bool) {
	switch backend {
	case "sqlite", "sqlite3":
		return NewSQLiteDialect(), true
	case "postgres", "postgresql":
		return NewPostgresDialect(), true
	case "mysql":
		return NewMySQLDialect(), true
	}
	return nil, false
}

// placeholderRegexp matches ? placeholders
var placeholderRegexp = regexp.MustCompile(`\?`)

// rewritePlaceholdersToNumbered converts ? placeholders to $1, $2, etc.
func rewritePlaceholdersToNumbered(query string) string {
	counter := 0
	return placeholderRegexp.ReplaceAllStringFunc(query, func(match string) string {
		counter++
		return "$" + strconv.Itoa(counter)
	})
}
