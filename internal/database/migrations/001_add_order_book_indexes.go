package migrations

import (
	"gorm.io/gorm"
)

// AddOrderBookIndexes creates the composite indexes the matching engine and
// market data views rely on
func AddOrderBookIndexes(db *gorm.DB) error {
	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for eligible-resting lookups in price-time priority
		`CREATE INDEX IF NOT EXISTS idx_orders_book_scan
		 ON orders(base_currency, quote_currency, side, status, price, created_at)`,

		// Index for a user's open orders
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status
		 ON orders(user_id, status)`,

		// Index for the dynamic pricing batch
		`CREATE INDEX IF NOT EXISTS idx_orders_dynamic_status
		 ON orders(dynamic_pricing_enabled, status)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
