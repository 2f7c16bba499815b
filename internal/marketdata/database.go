package marketdata

import (
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database wraps a *gorm.DB handle for read-only market data projections.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) BestBid(base, quote string) (decimal.NullDecimal, error) {
	return d.bestPrice(base, quote, types.SideBuy, "MAX(price)")
}

func (d *Database) BestAsk(base, quote string) (decimal.NullDecimal, error) {
	return d.bestPrice(base, quote, types.SideSell, "MIN(price)")
}

func (d *Database) bestPrice(base, quote, side, agg string) (decimal.NullDecimal, error) {
	var row struct {
		Price decimal.NullDecimal
	}
	err := d.db.Model(&types.Order{}).
		Select(agg+" AS price").
		Where("base_currency = ? AND quote_currency = ? AND side = ?", base, quote, side).
		Where("status IN ?", []string{types.OrderStatusPending, types.OrderStatusPartiallyFilled}).
		Where("price IS NOT NULL").
		Scan(&row).Error
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return row.Price, nil
}

// DepthLevels aggregates resting orders for one side of the book into price
// levels, best price first.
func (d *Database) DepthLevels(base, quote, side string, levels int) ([]DepthLevel, error) {
	direction := "ASC"
	if side == types.SideBuy {
		direction = "DESC"
	}

	var rows []DepthLevel
	err := d.db.Model(&types.Order{}).
		Select("price, SUM(remaining_quantity) AS quantity, COUNT(*) AS count").
		Where("base_currency = ? AND quote_currency = ? AND side = ?", base, quote, side).
		Where("status IN ?", []string{types.OrderStatusPending, types.OrderStatusPartiallyFilled}).
		Where("price IS NOT NULL").
		Group("price").
		Order("price " + direction).
		Limit(levels).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RecentTrades returns the latest trades for the pair, newest first. The
// taker's side is the side of the order placed later.
func (d *Database) RecentTrades(base, quote string, limit int) ([]RecentTrade, error) {
	var rows []RecentTrade
	err := d.db.Model(&types.Trade{}).
		Select(`trades.price, trades.quantity,
			CASE WHEN buy_orders.created_at >= sell_orders.created_at THEN 'BUY' ELSE 'SELL' END AS side,
			trades.executed_at`).
		Joins("JOIN orders buy_orders ON buy_orders.order_id = trades.buy_order_id").
		Joins("JOIN orders sell_orders ON sell_orders.order_id = trades.sell_order_id").
		Where("buy_orders.base_currency = ? AND buy_orders.quote_currency = ?", base, quote).
		Order("trades.executed_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
