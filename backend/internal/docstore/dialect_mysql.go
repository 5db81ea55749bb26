package docstore

import (
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLDialect implements Dialect for MySQL
type MySQLDialect struct{}

// NewMySQLDialect creates a new MySQL dialect
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

func (d *MySQLDialect) DSN(config DialectConfig) string {
	return config.URL
}

func (d *MySQLDialect) RewriteQuery(query string) string {
	return query
}

func (d *MySQLDialect) ConfigureConnection(db *sql.DB) error {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return nil
}

func (d *MySQLDialect) CreateDocumentsTableQuery() string {
	// Binary collation: keys are case-sensitive and ordered byte-wise
	return `
		CREATE TABLE IF NOT EXISTS documents (
			collection VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			doc_key VARCHAR(191) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			body LONGBLOB NOT NULL,
			version BIGINT NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (collection, doc_key)
		);
	`
}

func (d *MySQLDialect) InsertIfAbsentQuery() string {
	return "INSERT IGNORE INTO documents (collection, doc_key, body, version, updated_at) VALUES (?, ?, ?, ?, ?)"
}
