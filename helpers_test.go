package embkv

import "testing"

// newTestDB opens a fresh database backed by a file under t.TempDir(),
// closed automatically when the test ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := t.TempDir() + "/test.db"
	db, err := Open(path, 0o600, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
