package core

import (
	"os"
	"testing"
)

// SetupTempDB opens a DB in a fresh temporary directory and registers its
// cleanup (Close then RemoveAll) with tb.
func SetupTempDB(tb testing.TB, opts ...Option) (db *DB, path string, cleanup func()) {
	path, err := os.MkdirTemp("", "rangecask_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}

	db, err = Open(path, opts...)
	if err != nil {
		_ = os.RemoveAll(path)
		tb.Fatalf("Open(%q) failed: %v", path, err)
	}

	cleanup = func() {
		_ = db.Close()
		_ = os.RemoveAll(path)
	}
	tb.Cleanup(cleanup)

	return db, path, cleanup
}
