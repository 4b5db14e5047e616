package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// testStore opens a migrated store in a temp directory.
func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Path:    filepath.Join(t.TempDir(), "coachnote.db"),
		WALMode: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// StoreSuite is a test suite for Store operations.
type StoreSuite struct {
	suite.Suite
	store *Store
}

// SetupTest creates a fresh database before each test.
func (s *StoreSuite) SetupTest() {
	s.store = testStore(s.T())
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

// TestGetStmt tests prepared statement caching.
func (s *StoreSuite) TestGetStmt() {
	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		{name: "valid simple query", query: "SELECT 1"},
		{name: "valid query with parameter", query: "SELECT value FROM kv WHERE key = ?"},
		{name: "invalid query syntax", query: "SELECT * FROM nonexistent_table WHERE", wantErr: true},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			stmt, err := s.store.GetStmt(tt.query)
			if tt.wantErr {
				s.Error(err)
				s.Nil(stmt)
				return
			}
			s.NoError(err)
			s.NotNil(stmt)

			// Second call should return cached statement
			stmt2, err := s.store.GetStmt(tt.query)
			s.NoError(err)
			s.Same(stmt, stmt2)
		})
	}
}

// TestExecContext tests query execution.
func (s *StoreSuite) TestExecContext() {
	ctx := context.Background()

	tests := []struct {
		name         string
		query        string
		args         []interface{}
		wantErr      bool
		wantAffected int64
	}{
		{
			name:         "insert row",
			query:        `INSERT INTO kv (partition, key, value, updated_at_epoch) VALUES (?, ?, ?, ?)`,
			args:         []interface{}{"latest", "sessions/a", []byte("a"), 1},
			wantAffected: 1,
		},
		{
			name:    "invalid query",
			query:   "INSERT INTO nonexistent_table VALUES (?)",
			args:    []interface{}{"test"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			result, err := s.store.ExecContext(ctx, tt.query, tt.args...)
			if tt.wantErr {
				s.Error(err)
				return
			}
			s.NoError(err)
			affected, _ := result.RowsAffected()
			s.Equal(tt.wantAffected, affected)
		})
	}
}

// TestMigrateIsIdempotent tests reopening an existing database.
func (s *StoreSuite) TestMigrateIsIdempotent() {
	s.NoError(s.store.migrate(context.Background()))
	s.NoError(s.store.migrate(context.Background()))
}

func (s *StoreSuite) TestClose() {
	store := testStore(s.T())

	_, err := store.GetStmt("SELECT 1")
	s.NoError(err)

	s.NoError(store.Close())

	// Operations after close should fail
	s.Error(store.Ping())
}

// TestConcurrentStmtCache tests concurrent access to statement cache.
func (s *StoreSuite) TestConcurrentStmtCache() {
	ctx := context.Background()
	queries := []string{
		"SELECT 1",
		"SELECT 2",
		"SELECT key FROM kv",
		"SELECT partition FROM kv",
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.store.GetStmt(queries[i%len(queries)])
			s.NoError(err)
			_, _ = s.store.ExecContext(ctx, "SELECT 1")
		}(i)
	}
	wg.Wait()
}
