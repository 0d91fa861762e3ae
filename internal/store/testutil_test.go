package store

import (
	"os"
	"testing"

	"github.com/arkreview/arkreview/internal/database"
)

// setupTestDB is the in-package twin of storetest.SetupTestDB; this
// package's own tests cannot import storetest without a cycle.
func setupTestDB(t *testing.T) (Store, func()) {
	t.Helper()

	database.ResetForTesting()

	tmpFile, err := os.CreateTemp("", "test_*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	if err := database.InitWithPath(tmpPath); err != nil {
		os.Remove(tmpPath)
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	s := NewStore(database.Get())

	cleanup := func() {
		database.Close()
		database.ResetForTesting()
		os.Remove(tmpPath)
	}

	return s, cleanup
}
