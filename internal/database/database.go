package database

import (
	"fmt"

	"github.com/kwanzapay/exchange-api/internal/database/migrations"
	"github.com/kwanzapay/exchange-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "exchange.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate core schemas
	err = db.AutoMigrate(
		&types.Wallet{},
		&types.FundReservation{},
		&types.Order{},
		&types.Trade{},
		&types.PriceUpdate{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddOrderBookIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddTradeLogIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
