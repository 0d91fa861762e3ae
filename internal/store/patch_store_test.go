package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkreview/arkreview/internal/model"
)

func TestPatchStore_InsertIfNotExists_CreatesOnce(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	patch := &model.PersistedPatch{Name: "deadbeef01", Content: "diff --git a b", Context: "func foo() {}"}
	require.NoError(t, s.Patches().InsertIfNotExists(patch))

	// Re-inserting the same name should be a no-op, not an error, and must
	// not overwrite the existing content.
	dup := &model.PersistedPatch{Name: "deadbeef01", Content: "different content"}
	require.NoError(t, s.Patches().InsertIfNotExists(dup))

	got, err := s.Patches().GetByName("deadbeef01")
	require.NoError(t, err)
	assert.Equal(t, "diff --git a b", got.Content, "first write wins")
}

func TestPatchStore_GetByName_NotFound(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := s.Patches().GetByName("does-not-exist")
	assert.Error(t, err)
}
