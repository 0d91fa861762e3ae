// Package storetest provides store fixtures for tests in other packages,
// kept out of the production store package so it never links against
// testing.
package storetest

import (
	"os"
	"testing"

	"github.com/arkreview/arkreview/internal/database"
	"github.com/arkreview/arkreview/internal/store"
)

// SetupTestDB creates a temp-file SQLite database for testing.
// It returns a Store instance and a cleanup function.
// The cleanup function should be called with defer in tests.
func SetupTestDB(t *testing.T) (store.Store, func()) {
	t.Helper()

	// Reset database state to allow re-initialization
	database.ResetForTesting()

	// Create temporary database file
	tmpFile, err := os.CreateTemp("", "test_*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	// Initialize database with temp path
	if err := database.InitWithPath(tmpPath); err != nil {
		os.Remove(tmpPath)
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	s := store.NewStore(database.Get())

	cleanup := func() {
		database.Close()
		database.ResetForTesting()
		os.Remove(tmpPath)
	}

	return s, cleanup
}
