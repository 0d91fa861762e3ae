package store

import (
	"gorm.io/gorm"

	"github.com/arkreview/arkreview/internal/model"
)

// ErrorStore persists review alarms classified as errors by wrapup.
// Append-only.
type ErrorStore interface {
	Create(err *model.PersistedError) error
	ListByJob(jobID string) ([]*model.PersistedError, error)
}

type errorStore struct {
	db *gorm.DB
}

func newErrorStore(db *gorm.DB) ErrorStore {
	return &errorStore{db: db}
}

func (s *errorStore) Create(e *model.PersistedError) error {
	return s.db.Create(e).Error
}

func (s *errorStore) ListByJob(jobID string) ([]*model.PersistedError, error) {
	var errs []*model.PersistedError
	if err := s.db.Where("job_id = ?", jobID).Order("id asc").Find(&errs).Error; err != nil {
		return nil, err
	}
	return errs, nil
}
