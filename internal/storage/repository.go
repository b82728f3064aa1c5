package storage

import (
	"context"

	"gorm.io/gorm"
)

// Repository is the concrete GORM-backed implementation of the repository
// contract described in the component design. Each entity's operations live
// in their own file, keeping the SQL for one table in one place.
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) gorm() *gorm.DB { return r.db }

// Transaction runs fn with a Repository bound to a single local transaction.
// It is how write-path callers (the admin create path, the activate and
// expire lifecycle jobs) satisfy the outbox's "business rows and outbox rows
// commit together, or not at all" contract.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}
