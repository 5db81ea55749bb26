package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"familynet/backend/pkg/logger"
)

// Neo4j is a Store keeping each document as a (:Document) node with
// collection, key, body and version properties.
type Neo4j struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4j connects to Neo4j, verifies connectivity and ensures the
// document uniqueness constraint exists.
func NewNeo4j(ctx context.Context, uri, user, password string) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	store := NewNeo4jWithDriver(driver)
	if err := store.ensureSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return store, nil
}

// NewNeo4jWithDriver wraps an existing driver. The caller owns schema setup.
func NewNeo4jWithDriver(driver neo4j.DriverWithContext) *Neo4j {
	return &Neo4j{
		driver: driver,
		logger: logger.Named("neo4j"),
	}
}

func (n *Neo4j) ensureSchema(ctx context.Context) error {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		CREATE CONSTRAINT document_key IF NOT EXISTS
		FOR (d:Document) REQUIRE (d.collection, d.key) IS UNIQUE
	`
	if _, err := session.Run(ctx, query, nil); err != nil {
		return fmt.Errorf("failed to create document constraint: %w", err)
	}
	n.logger.Debug("Document constraint ensured")
	return nil
}

func (n *Neo4j) Get(ctx context.Context, collection, key string) (*Document, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (d:Document {collection: $collection, key: $key})
		WHERE d.body IS NOT NULL
		RETURN d.body AS body, d.version AS version
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"collection": collection,
		"key":        key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch record: %w", err)
		}
		return nil, ErrNotFound
	}

	record := result.Record()
	return &Document{
		Collection: collection,
		Key:        key,
		Body:       getBytesFromRecord(record, "body"),
		Version:    getInt64FromRecord(record, "version"),
	}, nil
}

// Update locks the document node inside a managed write transaction: the
// MERGE creates it when absent and the SET takes the write lock, so
// concurrent updates of the same key run one after another.
func (n *Neo4j) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]interface{}{
		"collection": collection,
		"key":        key,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		lockQuery := `
			MERGE (d:Document {collection: $collection, key: $key})
			ON CREATE SET d.version = 0
			SET d.locked = true
			RETURN d.body AS body, d.version AS version
		`
		result, err := tx.Run(ctx, lockQuery, params)
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}

		body := getBytesFromRecord(record, "body")
		exists := body != nil

		next, err := fn(body, exists)
		if err != nil {
			// Rolls back the MERGE too, so no empty node is left behind
			return nil, err
		}

		writeQuery := `
			MATCH (d:Document {collection: $collection, key: $key})
			SET d.body = $body,
			    d.version = d.version + 1,
			    d.updated_at = datetime()
			REMOVE d.locked
		`
		_, err = tx.Run(ctx, writeQuery, map[string]interface{}{
			"collection": collection,
			"key":        key,
			"body":       next,
		})
		return nil, err
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update document %s/%s: %w", collection, key, err)
	}
	return nil
}

func (n *Neo4j) List(ctx context.Context, collection, afterKey string, limit int) ([]Document, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (d:Document {collection: $collection})
		WHERE d.key > $afterKey AND d.body IS NOT NULL
		RETURN d.key AS key, d.body AS body, d.version AS version
		ORDER BY d.key
	`
	params := map[string]interface{}{
		"collection": collection,
		"afterKey":   afterKey,
	}
	if limit > 0 {
		query += " LIMIT $limit"
		params["limit"] = limit
	}

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	var out []Document
	for result.Next(ctx) {
		record := result.Record()
		out = append(out, Document{
			Collection: collection,
			Key:        getStringFromRecord(record, "key"),
			Body:       getBytesFromRecord(record, "body"),
			Version:    getInt64FromRecord(record, "version"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate results: %w", err)
	}
	return out, nil
}

// Close closes the Neo4j driver connection
func (n *Neo4j) Close() error {
	return n.driver.Close(context.Background())
}

func getStringFromRecord(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func getInt64FromRecord(record *neo4j.Record, key string) int64 {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	return 0
}

func getBytesFromRecord(record *neo4j.Record, key string) []byte {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	if b, ok := val.([]byte); ok {
		return b
	}
	if s, ok := val.(string); ok {
		return []byte(s)
	}
	return nil
}
