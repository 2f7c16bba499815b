package marketdata

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kwanzapay/exchange-api/internal/database"
	"github.com/kwanzapay/exchange-api/internal/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := database.NewDatabase(path)
	require.NoError(t, err)
	return db
}

func seedOrder(t *testing.T, db *gorm.DB, side, status string, quantity, price int64, createdAt time.Time) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		UserID:            "trader",
		Side:              side,
		OrderType:         types.OrderTypeLimit,
		BaseCurrency:      types.CurrencyEUR,
		QuoteCurrency:     types.CurrencyAOA,
		Quantity:          decimal.NewFromInt(quantity),
		RemainingQuantity: decimal.NewFromInt(quantity),
		Price:             decimal.NewNullDecimal(decimal.NewFromInt(price)),
		Status:            status,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func TestGetBestPrices(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)

	now := time.Now()
	seedOrder(t, db, types.SideBuy, types.OrderStatusPending, 10, 880, now)
	seedOrder(t, db, types.SideBuy, types.OrderStatusPending, 10, 900, now)
	seedOrder(t, db, types.SideSell, types.OrderStatusPending, 10, 950, now)
	seedOrder(t, db, types.SideSell, types.OrderStatusPartiallyFilled, 10, 920, now)
	// Terminal orders never contribute to the top of book
	seedOrder(t, db, types.SideSell, types.OrderStatusCancelled, 10, 910, now)
	seedOrder(t, db, types.SideBuy, types.OrderStatusFilled, 10, 940, now)

	prices, err := svc.GetBestPrices(types.CurrencyEUR, types.CurrencyAOA)
	require.NoError(t, err)
	require.True(t, prices.BestBid.Valid)
	require.True(t, prices.BestAsk.Valid)
	assert.True(t, prices.BestBid.Decimal.Equal(decimal.NewFromInt(900)))
	assert.True(t, prices.BestAsk.Decimal.Equal(decimal.NewFromInt(920)))
	require.True(t, prices.Spread.Valid)
	assert.True(t, prices.Spread.Decimal.Equal(decimal.NewFromInt(20)))
}

func TestGetBestPrices_EmptyBook(t *testing.T) {
	svc := NewService(setupTestDB(t))

	prices, err := svc.GetBestPrices(types.CurrencyEUR, types.CurrencyAOA)
	require.NoError(t, err)
	assert.False(t, prices.BestBid.Valid)
	assert.False(t, prices.BestAsk.Valid)
	assert.False(t, prices.Spread.Valid)
}

func TestGetOrderBookDepth(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)

	now := time.Now()
	// Two resting bids at the same level aggregate
	seedOrder(t, db, types.SideBuy, types.OrderStatusPending, 10, 900, now)
	seedOrder(t, db, types.SideBuy, types.OrderStatusPending, 15, 900, now)
	seedOrder(t, db, types.SideBuy, types.OrderStatusPending, 5, 880, now)
	seedOrder(t, db, types.SideSell, types.OrderStatusPending, 20, 950, now)
	seedOrder(t, db, types.SideSell, types.OrderStatusPending, 8, 940, now)

	depth, err := svc.GetOrderBookDepth(types.CurrencyEUR, types.CurrencyAOA, 10)
	require.NoError(t, err)

	require.Len(t, depth.Bids, 2)
	assert.True(t, depth.Bids[0].Price.Equal(decimal.NewFromInt(900)))
	assert.True(t, depth.Bids[0].Quantity.Equal(decimal.NewFromInt(25)))
	assert.EqualValues(t, 2, depth.Bids[0].Count)
	assert.True(t, depth.Bids[1].Price.Equal(decimal.NewFromInt(880)))

	require.Len(t, depth.Asks, 2)
	assert.True(t, depth.Asks[0].Price.Equal(decimal.NewFromInt(940)))
	assert.True(t, depth.Asks[1].Price.Equal(decimal.NewFromInt(950)))
}

func TestGetOrderBookDepth_LevelLimit(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)

	now := time.Now()
	for price := int64(900); price > 880; price-- {
		seedOrder(t, db, types.SideBuy, types.OrderStatusPending, 1, price, now)
	}

	depth, err := svc.GetOrderBookDepth(types.CurrencyEUR, types.CurrencyAOA, 3)
	require.NoError(t, err)
	require.Len(t, depth.Bids, 3)
	assert.True(t, depth.Bids[0].Price.Equal(decimal.NewFromInt(900)))
	assert.True(t, depth.Bids[2].Price.Equal(decimal.NewFromInt(898)))
}

func TestGetRecentTrades(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)

	now := time.Now()
	// Resting sell filled by a later buy: the taker side is BUY
	sell := seedOrder(t, db, types.SideSell, types.OrderStatusFilled, 10, 900, now.Add(-2*time.Hour))
	buy := seedOrder(t, db, types.SideBuy, types.OrderStatusFilled, 10, 900, now.Add(-time.Hour))
	require.NoError(t, db.Create(&types.Trade{
		TradeID:     "TRD_" + uuid.New().String(),
		BuyOrderID:  buy.OrderID,
		SellOrderID: sell.OrderID,
		Price:       decimal.NewFromInt(900),
		Quantity:    decimal.NewFromInt(10),
		ExecutedAt:  now.Add(-time.Hour),
	}).Error)

	// Resting buy filled by a later sell: the taker side is SELL
	buy2 := seedOrder(t, db, types.SideBuy, types.OrderStatusFilled, 5, 890, now.Add(-time.Hour))
	sell2 := seedOrder(t, db, types.SideSell, types.OrderStatusFilled, 5, 890, now.Add(-30*time.Minute))
	require.NoError(t, db.Create(&types.Trade{
		TradeID:     "TRD_" + uuid.New().String(),
		BuyOrderID:  buy2.OrderID,
		SellOrderID: sell2.OrderID,
		Price:       decimal.NewFromInt(890),
		Quantity:    decimal.NewFromInt(5),
		ExecutedAt:  now.Add(-30 * time.Minute),
	}).Error)

	trades, err := svc.GetRecentTrades(types.CurrencyEUR, types.CurrencyAOA, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	// Newest first
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(890)))
	assert.Equal(t, types.SideSell, trades[0].Side)
	assert.True(t, trades[1].Price.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, types.SideBuy, trades[1].Side)
}

func TestGetRecentTrades_LimitApplied(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)

	now := time.Now()
	for i := 0; i < 5; i++ {
		sell := seedOrder(t, db, types.SideSell, types.OrderStatusFilled, 1, 900, now.Add(-time.Hour))
		buy := seedOrder(t, db, types.SideBuy, types.OrderStatusFilled, 1, 900, now)
		require.NoError(t, db.Create(&types.Trade{
			TradeID:     "TRD_" + uuid.New().String(),
			BuyOrderID:  buy.OrderID,
			SellOrderID: sell.OrderID,
			Price:       decimal.NewFromInt(900),
			Quantity:    decimal.NewFromInt(1),
			ExecutedAt:  now.Add(-time.Duration(i) * time.Minute),
		}).Error)
	}

	trades, err := svc.GetRecentTrades(types.CurrencyEUR, types.CurrencyAOA, 3)
	require.NoError(t, err)
	assert.Len(t, trades, 3)
}
