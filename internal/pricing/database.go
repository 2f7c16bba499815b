package pricing

import (
	"errors"
	"time"

	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database wraps a *gorm.DB handle, which may be a transaction.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// TradeStats aggregates notional and volume over the pair's trades since the
// given time. Trades carry no pair columns; the pair is resolved through the
// buy order.
func (d *Database) TradeStats(base, quote string, since time.Time) (notional, volume decimal.Decimal, count int64, err error) {
	var row struct {
		Notional decimal.NullDecimal
		Volume   decimal.NullDecimal
		Count    int64
	}
	err = d.db.Model(&types.Trade{}).
		Select("COALESCE(SUM(trades.price * trades.quantity), 0) AS notional, COALESCE(SUM(trades.quantity), 0) AS volume, COUNT(*) AS count").
		Joins("JOIN orders ON orders.order_id = trades.buy_order_id").
		Where("orders.base_currency = ? AND orders.quote_currency = ?", base, quote).
		Where("trades.executed_at >= ?", since).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, 0, err
	}
	return row.Notional.Decimal, row.Volume.Decimal, row.Count, nil
}

// GetDynamicOrders returns every open order with dynamic pricing enabled.
func (d *Database) GetDynamicOrders() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("dynamic_pricing_enabled = ?", true).
		Where("status IN ?", []string{types.OrderStatusPending, types.OrderStatusPartiallyFilled}).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// BestAskExcluding returns the lowest resting sell price for the pair,
// ignoring the given order so it can undercut its competitors rather than
// itself.
func (d *Database) BestAskExcluding(base, quote, orderID string) (decimal.NullDecimal, error) {
	var row struct {
		Price decimal.NullDecimal
	}
	err := d.db.Model(&types.Order{}).
		Select("MIN(price) AS price").
		Where("base_currency = ? AND quote_currency = ? AND side = ?", base, quote, types.SideSell).
		Where("status IN ?", []string{types.OrderStatusPending, types.OrderStatusPartiallyFilled}).
		Where("order_id <> ?", orderID).
		Where("price IS NOT NULL").
		Scan(&row).Error
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return row.Price, nil
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// UpdateOrderVersioned applies updates only if the order's version still
// matches. A concurrent fill or cancel wins the race and the batch skips the
// order for this cycle.
func (d *Database) UpdateOrderVersioned(orderID string, version int, updates map[string]interface{}) error {
	updates["version"] = version + 1
	updates["updated_at"] = time.Now()

	res := d.db.Model(&types.Order{}).
		Where("order_id = ? AND version = ?", orderID, version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrConcurrencyConflict
	}
	return nil
}

func (d *Database) CreatePriceUpdate(update *types.PriceUpdate) error {
	return d.db.Create(update).Error
}

// GetPriceUpdatesByOrder returns the audit trail for an order, newest first.
func (d *Database) GetPriceUpdatesByOrder(orderID string) ([]types.PriceUpdate, error) {
	var updates []types.PriceUpdate
	err := d.db.Where("order_id = ?", orderID).Order("created_at DESC").Find(&updates).Error
	if err != nil {
		return nil, err
	}
	return updates, nil
}
