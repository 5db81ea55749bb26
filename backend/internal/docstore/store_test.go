package docstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "things", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateThenUpdate", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		err := s.Update(ctx, "things", "a", func(cur []byte, exists bool) ([]byte, error) {
			assert.False(t, exists)
			assert.Nil(t, cur)
			return []byte("one"), nil
		})
		require.NoError(t, err)

		err = s.Update(ctx, "things", "a", func(cur []byte, exists bool) ([]byte, error) {
			assert.True(t, exists)
			assert.Equal(t, "one", string(cur))
			return []byte("two"), nil
		})
		require.NoError(t, err)

		doc, err := s.Get(ctx, "things", "a")
		require.NoError(t, err)
		assert.Equal(t, "two", string(doc.Body))
		assert.Equal(t, "a", doc.Key)
		assert.Equal(t, "things", doc.Collection)
	})

	t.Run("NoChangeSkipsWrite", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		err := s.Update(ctx, "things", "skip", func([]byte, bool) ([]byte, error) {
			return nil, ErrNoChange
		})
		require.NoError(t, err)

		_, err = s.Get(ctx, "things", "skip")
		assert.ErrorIs(t, err, ErrNotFound, "a skipped create leaves nothing behind")
	})

	t.Run("FuncErrorAborts", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		boom := errors.New("boom")

		require.NoError(t, s.Update(ctx, "things", "k", func([]byte, bool) ([]byte, error) {
			return []byte("kept"), nil
		}))
		err := s.Update(ctx, "things", "k", func([]byte, bool) ([]byte, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		doc, err := s.Get(ctx, "things", "k")
		require.NoError(t, err)
		assert.Equal(t, "kept", string(doc.Body))
	})

	t.Run("ListPages", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, k := range []string{"c", "a", "e", "b", "d"} {
			body := []byte(k)
			require.NoError(t, s.Update(ctx, "letters", k, func([]byte, bool) ([]byte, error) {
				return body, nil
			}))
		}
		require.NoError(t, s.Update(ctx, "other", "a", func([]byte, bool) ([]byte, error) {
			return []byte("x"), nil
		}))

		page, err := s.List(ctx, "letters", "", 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "a", page[0].Key)
		assert.Equal(t, "b", page[1].Key)

		page, err = s.List(ctx, "letters", "b", 10)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, "c", page[0].Key)
		assert.Equal(t, "e", page[2].Key)
		assert.Equal(t, "e", string(page[2].Body))

		page, err = s.List(ctx, "letters", "e", 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})

	t.Run("ConcurrentUpdatesSerialise", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		const writers = 10

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Update(ctx, "counters", "n", func(cur []byte, exists bool) ([]byte, error) {
					n := 0
					if exists {
						n, _ = strconv.Atoi(string(cur))
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		doc, err := s.Get(ctx, "counters", "n")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(writers), string(doc.Body))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "c", "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewBadger(BadgerOptions{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestBadgerStoreRequiresDir(t *testing.T) {
	_, err := NewBadger(BadgerOptions{})
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		path := filepath.Join(t.TempDir(), "docs.db")
		s, err := OpenSQL(context.Background(), NewSQLiteDialect(), DialectConfig{Path: path})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

// TestPostgresStore requires a reachable database in TEST_POSTGRES_URL
func TestPostgresStore(t *testing.T) {
	runExternalSQLSuite(t, NewPostgresDialect(), "TEST_POSTGRES_URL")
}

// TestMySQLStore requires a reachable database in TEST_MYSQL_URL
func TestMySQLStore(t *testing.T) {
	runExternalSQLSuite(t, NewMySQLDialect(), "TEST_MYSQL_URL")
}

func runExternalSQLSuite(t *testing.T, dialect Dialect, envKey string) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	url := os.Getenv(envKey)
	if url == "" {
		t.Skipf("%s not set", envKey)
	}

	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenSQL(context.Background(), dialect, DialectConfig{URL: url})
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = s.db.ExecContext(context.Background(), "DELETE FROM documents")
			s.Close()
		})
		_, err = s.db.ExecContext(context.Background(), "DELETE FROM documents")
		require.NoError(t, err)
		return s
	})
}

// TestNeo4jStore requires a running Neo4j instance
// Set NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD environment variables
func TestNeo4jStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("NEO4J_URI not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := NewNeo4j(ctx, uri, os.Getenv("NEO4J_USER"), os.Getenv("NEO4J_PASSWORD"))
		require.NoError(t, err)

		clean := func() {
			session := s.driver.NewSession(context.Background(), neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
			defer session.Close(context.Background())
			_, _ = session.Run(context.Background(), "MATCH (d:Document) DETACH DELETE d", nil)
		}
		clean()
		t.Cleanup(func() {
			clean()
			s.Close()
		})
		return s
	})
}

func TestRewritePlaceholders(t *testing.T) {
	got := NewPostgresDialect().RewriteQuery("SELECT * FROM documents WHERE collection = ? AND doc_key > ? LIMIT ?")
	assert.Equal(t, "SELECT * FROM documents WHERE collection = $1 AND doc_key > $2 LIMIT $3", got)
	assert.Equal(t, "a = ?", NewMySQLDialect().RewriteQuery("a = ?"))
}

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"sqlite", "postgres", "mysql"} {
		d, ok := DialectFor(name)
		require.True(t, ok, name)
		assert.NotEmpty(t, d.CreateDocumentsTableQuery())
	}
	_, ok := DialectFor("oracle")
	assert.False(t, ok)
}

func TestSQLiteDSN(t *testing.T) {
	d := NewSQLiteDialect()
	assert.Equal(t, "x.db?_busy_timeout=5000", d.DSN(DialectConfig{Path: "x.db"}))
	assert.Equal(t, "file:x.db?mode=ro", d.DSN(DialectConfig{Path: "file:x.db?mode=ro"}))
}
