package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkreview/arkreview/internal/model"
)

func TestNewStore_WiresSubStores(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	assert.NotNil(t, s.Broker())
	assert.NotNil(t, s.Errors())
	assert.NotNil(t, s.Patches())
	assert.NotNil(t, s.DB())
}

func TestStore_Transaction_CommitsOnSuccess(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	jobID := "job-tx00000000000001"
	err := s.Transaction(func(tx Store) error {
		return tx.Broker().CreateJob(&model.Job{ID: jobID, ExpiresAt: time.Now().Add(time.Hour)})
	})
	require.NoError(t, err)

	got, err := s.Broker().GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, got.ID)
}

func TestStore_Transaction_RollsBackOnError(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	jobID := "job-tx00000000000002"
	sentinel := errors.New("boom")
	err := s.Transaction(func(tx Store) error {
		if err := tx.Broker().CreateJob(&model.Job{ID: jobID, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = s.Broker().GetJob(jobID)
	assert.Error(t, err, "job created inside a rolled-back transaction must not be visible")
}
