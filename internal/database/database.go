package database

import (
	"fmt"

	"github.com/algotrendy/execution-core/internal/database/migrations"
	"github.com/algotrendy/execution-core/internal/idempotency"
	"github.com/algotrendy/execution-core/internal/ledger"
	"github.com/algotrendy/execution-core/internal/reconcile"
	"github.com/algotrendy/execution-core/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the sqlite database at path and returns a GORM connection
// with the full engine schema migrated.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate runs all schema migrations. Split out so tests can migrate an
// in-memory database.
func Migrate(db *gorm.DB) error {
	if err := migrations.AddFills(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	err := db.AutoMigrate(
		&types.Order{},
		&idempotency.Record{},
		&ledger.Position{},
		&reconcile.Anomaly{},
	)
	if err != nil {
		return err
	}

	return nil
}
