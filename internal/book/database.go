package book

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

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
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

func (d *Database) GetOrderByIDAndUser(orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetOpenOrdersByUser retrieves a user's resting orders, newest first.
func (d *Database) GetOpenOrdersByUser(userID string) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("user_id = ? AND status IN ?", userID,
			[]string{types.OrderStatusPending, types.OrderStatusPartiallyFilled}).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// FindEligibleResting returns resting orders on the opposite side of the
// incoming order's pair in price-time priority: best price first, earliest
// created_at among equal prices. Market orders never rest, so rows without a
// price are excluded.
func (d *Database) FindEligibleResting(incoming *types.Order, limit int) ([]types.Order, error) {
	q := d.db.
		Where("base_currency = ? AND quote_currency = ?", incoming.BaseCurrency, incoming.QuoteCurrency).
		Where("status IN ?", []string{types.OrderStatusPending, types.OrderStatusPartiallyFilled}).
		Where("order_id <> ?", incoming.OrderID).
		Where("price IS NOT NULL")

	if incoming.Side == types.SideBuy {
		q = q.Where("side = ?", types.SideSell)
		if incoming.OrderType == types.OrderTypeLimit {
			q = q.Where("price <= ?", incoming.Price.Decimal)
		}
		q = q.Order("price ASC, created_at ASC")
	} else {
		q = q.Where("side = ?", types.SideBuy)
		if incoming.OrderType == types.OrderTypeLimit {
			q = q.Where("price >= ?", incoming.Price.Decimal)
		}
		q = q.Order("price DESC, created_at ASC")
	}

	var orders []types.Order
	if err := q.Limit(limit).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// UpdateOrderVersioned applies updates only if the row's version still
// matches, bumping it on success. A zero-row update means another writer got
// there first and the caller must re-read and retry.
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

// BestAsk returns the lowest resting sell price for the pair, if any.
func (d *Database) BestAsk(base, quote string) (decimal.NullDecimal, error) {
	return d.bestPrice(base, quote, types.SideSell, "MIN(price)")
}

// BestBid returns the highest resting buy price for the pair, if any.
func (d *Database) BestBid(base, quote string) (decimal.NullDecimal, error) {
	return d.bestPrice(base, quote, types.SideBuy, "MAX(price)")
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

func (d *Database) CreateTrade(trade *types.Trade) error {
	return d.db.Create(trade).Error
}

// CreateOrderWithIdempotency creates an order and its idempotency record in
// the caller's transaction scope.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	if err := d.db.Create(order).Error; err != nil {
		return err
	}

	record := types.IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	return d.db.Create(&record).Error
}

// GetIdempotencyRecord retrieves an idempotency record by key. Returns nil
// when no record exists.
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
