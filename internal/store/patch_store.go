package store

import (
	"gorm.io/gorm"

	"github.com/arkreview/arkreview/internal/model"
)

// PatchStore persists the diff content + context for patches referenced by
// a persisted error, with insert-if-absent semantics keyed by patch name.
type PatchStore interface {
	InsertIfNotExists(patch *model.PersistedPatch) error
	GetByName(name string) (*model.PersistedPatch, error)
}

type patchStore struct {
	db *gorm.DB
}

func newPatchStore(db *gorm.DB) PatchStore {
	return &patchStore{db: db}
}

func (s *patchStore) InsertIfNotExists(patch *model.PersistedPatch) error {
	var existing model.PersistedPatch
	err := s.db.Where("name = ?", patch.Name).First(&existing).Error
	if err == nil {
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return s.db.Create(patch).Error
}

func (s *patchStore) GetByName(name string) (*model.PersistedPatch, error) {
	var patch model.PersistedPatch
	if err := s.db.Where("name = ?", name).First(&patch).Error; err != nil {
		return nil, err
	}
	return &patch, nil
}
