// Package storetest opens throwaway SQLite-backed stores for package tests.
package storetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/store"
	"github.com/stretchr/testify/require"
)

// New returns a migrated store on a fresh database file that is removed
// when the test ends. A single connection serialises writers the way
// row-level conflicts would on PostgreSQL.
func New(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"

	s, err := store.NewStore(sqlite.Open(dsn), store.Options{
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	}, logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
