package migrations

import (
	"gorm.io/gorm"
)

// AddTradeLogIndexes creates the indexes VWAP and recent-trade queries use
func AddTradeLogIndexes(db *gorm.DB) error {
	indexes := []string{
		// Composite index for trailing-window VWAP scans
		`CREATE INDEX IF NOT EXISTS idx_trades_executed_at_buy
		 ON trades(executed_at, buy_order_id)`,

		// Index for active reservations per order
		`CREATE INDEX IF NOT EXISTS idx_fund_reservations_order_status
		 ON fund_reservations(order_id, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
