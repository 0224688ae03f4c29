package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/possync/internal/store"
)

// OpenStore opens a fresh SQLite store in the test's temp directory and
// closes it on cleanup.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "possync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
