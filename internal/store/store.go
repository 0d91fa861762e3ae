// Package store provides data access layer interfaces and implementations.
// This package abstracts database operations to improve maintainability
// and decouple business logic from specific database implementations.
package store

import "gorm.io/gorm"

// Store aggregates all data store interfaces.
// It provides a single point of access for all database operations.
type Store interface {
	Broker() BrokerStore
	Errors() ErrorStore
	Patches() PatchStore

	// DB returns the underlying database connection for advanced operations.
	// Use sparingly - prefer using specific store methods.
	DB() *gorm.DB

	// Transaction executes operations within a database transaction.
	Transaction(fn func(Store) error) error
}

// gormStore implements Store interface using GORM.
type gormStore struct {
	db          *gorm.DB
	brokerStore BrokerStore
	errorStore  ErrorStore
	patchStore  PatchStore
}

// NewStore creates a new Store instance with GORM backend.
func NewStore(db *gorm.DB) Store {
	return &gormStore{
		db:          db,
		brokerStore: newBrokerStore(db),
		errorStore:  newErrorStore(db),
		patchStore:  newPatchStore(db),
	}
}

func (s *gormStore) Broker() BrokerStore {
	return s.brokerStore
}

func (s *gormStore) Errors() ErrorStore {
	return s.errorStore
}

func (s *gormStore) Patches() PatchStore {
	return s.patchStore
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) Transaction(fn func(Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		txStore := &gormStore{
			db:          tx,
			brokerStore: newBrokerStore(tx),
			errorStore:  newErrorStore(tx),
			patchStore:  newPatchStore(tx),
		}
		return fn(txStore)
	})
}
