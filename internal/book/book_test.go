package book

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kwanzapay/exchange-api/internal/database"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/kwanzapay/exchange-api/internal/wallet"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := database.NewDatabase(path)
	require.NoError(t, err)
	return db
}

func fund(t *testing.T, db *gorm.DB, userID, currency string, amount int64) {
	t.Helper()
	require.NoError(t, wallet.NewService(db).Credit(userID, currency, decimal.NewFromInt(amount)))
}

func limitOrder(side string, quantity, price int64) *PlaceOrderRequest {
	p := decimal.NewFromInt(price)
	return &PlaceOrderRequest{
		Side:          side,
		OrderType:     types.OrderTypeLimit,
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(quantity),
		Price:         &p,
	}
}

func marketOrder(side string, quantity int64) *PlaceOrderRequest {
	return &PlaceOrderRequest{
		Side:          side,
		OrderType:     types.OrderTypeMarket,
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(quantity),
	}
}

func getWallet(t *testing.T, db *gorm.DB, userID, currency string) *types.Wallet {
	t.Helper()
	w, err := wallet.NewDatabase(db).GetWallet(userID, currency)
	require.NoError(t, err)
	return w
}

func TestPlaceOrder_Validation(t *testing.T) {
	svc := NewService(setupTestDB(t))

	tests := []struct {
		name string
		req  *PlaceOrderRequest
	}{
		{"bad side", &PlaceOrderRequest{Side: "HOLD", OrderType: types.OrderTypeLimit, BaseCurrency: "EUR", QuoteCurrency: "AOA", Quantity: decimal.NewFromInt(1)}},
		{"bad order type", &PlaceOrderRequest{Side: types.SideBuy, OrderType: "STOP", BaseCurrency: "EUR", QuoteCurrency: "AOA", Quantity: decimal.NewFromInt(1)}},
		{"same base and quote", limitOrderWith(func(r *PlaceOrderRequest) { r.QuoteCurrency = "EUR" })},
		{"unsupported pair", limitOrderWith(func(r *PlaceOrderRequest) { r.BaseCurrency = "USD" })},
		{"zero quantity", limitOrderWith(func(r *PlaceOrderRequest) { r.Quantity = decimal.Zero })},
		{"limit without price", limitOrderWith(func(r *PlaceOrderRequest) { r.Price = nil })},
		{"market with price", func() *PlaceOrderRequest {
			r := marketOrder(types.SideBuy, 1)
			p := decimal.NewFromInt(900)
			r.Price = &p
			return r
		}()},
		{"dynamic pricing on buy", limitOrderWith(func(r *PlaceOrderRequest) { r.DynamicPricingEnabled = true })},
		{"negative slippage", func() *PlaceOrderRequest {
			r := marketOrder(types.SideBuy, 1)
			s := decimal.NewFromInt(-1)
			r.SlippagePercent = &s
			return r
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.PlaceOrder("user-1", tc.req, "")
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func limitOrderWith(mutate func(*PlaceOrderRequest)) *PlaceOrderRequest {
	r := limitOrder(types.SideBuy, 1, 900)
	mutate(r)
	return r
}

func TestPlaceOrder_InsufficientFundsLeavesNoRows(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "buyer", types.CurrencyAOA, 1000)

	// 100 @ 900 needs 90000 AOA
	_, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "")
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	var orders, reservations int64
	require.NoError(t, db.Model(&types.Order{}).Count(&orders).Error)
	require.NoError(t, db.Model(&types.FundReservation{}).Count(&reservations).Error)
	assert.Zero(t, orders)
	assert.Zero(t, reservations)

	w := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, w.Available.Equal(decimal.NewFromInt(1000)))
}

func TestPlaceOrder_RestingOrderReservesNotional(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "buyer", types.CurrencyAOA, 90000)

	resp, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, resp.Status)
	assert.True(t, resp.ReservedAmount.Equal(decimal.NewFromInt(90000)))
	assert.Equal(t, types.CurrencyAOA, resp.ReservedCurrency)
	assert.Zero(t, resp.TradeCount)

	w := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, w.Available.IsZero())
	assert.True(t, w.Reserved.Equal(decimal.NewFromInt(90000)))

	// Sells hold the base quantity
	fund(t, db, "seller", types.CurrencyEUR, 50)
	resp, err = svc.PlaceOrder("seller", limitOrder(types.SideSell, 50, 2000), "")
	require.NoError(t, err)
	assert.True(t, resp.ReservedAmount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, types.CurrencyEUR, resp.ReservedCurrency)
}

func TestPlaceOrder_ExactMatchSettlesBothSides(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "seller", types.CurrencyEUR, 100)
	fund(t, db, "buyer", types.CurrencyAOA, 90000)

	sell, err := svc.PlaceOrder("seller", limitOrder(types.SideSell, 100, 900), "")
	require.NoError(t, err)

	buy, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, buy.Status)
	assert.Equal(t, 1, buy.TradeCount)
	assert.True(t, buy.RemainingQuantity.IsZero())

	sellOrder, err := svc.db.GetOrder(sell.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, sellOrder.Status)

	var trades []types.Trade
	require.NoError(t, db.Find(&trades).Error)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(900)))
	assert.True(t, trades[0].Quantity.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, buy.OrderID, trades[0].BuyOrderID)
	assert.Equal(t, sell.OrderID, trades[0].SellOrderID)

	// Buyer holds the base, seller holds the quote, nothing stays reserved
	buyerEUR := getWallet(t, db, "buyer", types.CurrencyEUR)
	assert.True(t, buyerEUR.Available.Equal(decimal.NewFromInt(100)))
	buyerAOA := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, buyerAOA.Available.IsZero())
	assert.True(t, buyerAOA.Reserved.IsZero())

	sellerAOA := getWallet(t, db, "seller", types.CurrencyAOA)
	assert.True(t, sellerAOA.Available.Equal(decimal.NewFromInt(90000)))
	sellerEUR := getWallet(t, db, "seller", types.CurrencyEUR)
	assert.True(t, sellerEUR.Available.IsZero())
	assert.True(t, sellerEUR.Reserved.IsZero())
}

func TestPlaceOrder_PartialFillKeepsRemainderResting(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "seller", types.CurrencyEUR, 100)
	fund(t, db, "buyer", types.CurrencyAOA, 135000)

	_, err := svc.PlaceOrder("seller", limitOrder(types.SideSell, 100, 900), "")
	require.NoError(t, err)

	buy, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 150, 900), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPartiallyFilled, buy.Status)
	assert.True(t, buy.FilledQuantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, buy.RemainingQuantity.Equal(decimal.NewFromInt(50)))

	// The hold shrinks to cover exactly the resting remainder
	res, err := wallet.NewDatabase(db).GetActiveReservationByOrder(buy.OrderID)
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(45000)))
}

func TestPlaceOrder_PriceTimePriority(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "seller-1", types.CurrencyEUR, 50)
	fund(t, db, "seller-2", types.CurrencyEUR, 50)
	fund(t, db, "buyer", types.CurrencyAOA, 91000)

	// seller-1 rests first but seller-2 offers the better price
	s1, err := svc.PlaceOrder("seller-1", limitOrder(types.SideSell, 50, 900), "")
	require.NoError(t, err)
	s2, err := svc.PlaceOrder("seller-2", limitOrder(types.SideSell, 50, 890), "")
	require.NoError(t, err)

	buy, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 910), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, buy.Status)
	assert.Equal(t, 2, buy.TradeCount)

	var trades []types.Trade
	require.NoError(t, db.Order("id ASC").Find(&trades).Error)
	require.Len(t, trades, 2)
	assert.Equal(t, s2.OrderID, trades[0].SellOrderID)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(890)))
	assert.Equal(t, s1.OrderID, trades[1].SellOrderID)
	assert.True(t, trades[1].Price.Equal(decimal.NewFromInt(900)))

	// Fills below the limit return the improvement: 50x20 + 50x10
	buyerAOA := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, buyerAOA.Available.Equal(decimal.NewFromInt(1500)))
	assert.True(t, buyerAOA.Reserved.IsZero())
}

func TestPlaceOrder_TimePriorityAtSamePrice(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "seller-1", types.CurrencyEUR, 50)
	fund(t, db, "seller-2", types.CurrencyEUR, 50)
	fund(t, db, "buyer", types.CurrencyAOA, 45000)

	s1, err := svc.PlaceOrder("seller-1", limitOrder(types.SideSell, 50, 900), "")
	require.NoError(t, err)
	_, err = svc.PlaceOrder("seller-2", limitOrder(types.SideSell, 50, 900), "")
	require.NoError(t, err)

	buy, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 50, 900), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, buy.Status)

	var trades []types.Trade
	require.NoError(t, db.Find(&trades).Error)
	require.Len(t, trades, 1)
	assert.Equal(t, s1.OrderID, trades[0].SellOrderID)
}

func TestPlaceOrder_TradeExecutesAtMakerPrice(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "seller", types.CurrencyEUR, 100)
	fund(t, db, "buyer", types.CurrencyAOA, 95000)

	_, err := svc.PlaceOrder("seller", limitOrder(types.SideSell, 100, 900), "")
	require.NoError(t, err)

	buy, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 950), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, buy.Status)

	var trade types.Trade
	require.NoError(t, db.First(&trade).Error)
	assert.True(t, trade.Price.Equal(decimal.NewFromInt(900)))

	// The 50/unit improvement goes back to the buyer
	buyerAOA := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, buyerAOA.Available.Equal(decimal.NewFromInt(5000)))
	assert.True(t, buyerAOA.Reserved.IsZero())
}

func TestPlaceOrder_MarketBuyWithEmptyBook(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "buyer", types.CurrencyAOA, 100000)

	_, err := svc.PlaceOrder("buyer", marketOrder(types.SideBuy, 10), "")
	assert.ErrorIs(t, err, types.ErrInsufficientLiquidity)

	var orders int64
	require.NoError(t, db.Model(&types.Order{}).Count(&orders).Error)
	assert.Zero(t, orders)
}

func TestPlaceOrder_MarketOrderRemainderIsCancelled(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "seller", types.CurrencyEUR, 50)
	// Estimate at best ask padded by default slippage: 100 x 900 x 1.05
	fund(t, db, "buyer", types.CurrencyAOA, 94500)

	_, err := svc.PlaceOrder("seller", limitOrder(types.SideSell, 50, 900), "")
	require.NoError(t, err)

	buy, err := svc.PlaceOrder("buyer", marketOrder(types.SideBuy, 100), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, buy.Status)
	assert.True(t, buy.FilledQuantity.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 1, buy.TradeCount)

	// The unfilled part of the estimated hold is back in the wallet
	buyerAOA := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, buyerAOA.Available.Equal(decimal.NewFromInt(49500)))
	assert.True(t, buyerAOA.Reserved.IsZero())

	buyerEUR := getWallet(t, db, "buyer", types.CurrencyEUR)
	assert.True(t, buyerEUR.Available.Equal(decimal.NewFromInt(50)))
}

func TestPlaceOrder_MarketOrderStopsAtSlippageBound(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "seller-1", types.CurrencyEUR, 50)
	fund(t, db, "seller-2", types.CurrencyEUR, 50)
	fund(t, db, "buyer", types.CurrencyAOA, 94500)

	_, err := svc.PlaceOrder("seller-1", limitOrder(types.SideSell, 50, 900), "")
	require.NoError(t, err)
	// 1000 is past the 5% bound of 945 off the 900 reference
	_, err = svc.PlaceOrder("seller-2", limitOrder(types.SideSell, 50, 1000), "")
	require.NoError(t, err)

	buy, err := svc.PlaceOrder("buyer", marketOrder(types.SideBuy, 100), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, buy.Status)
	assert.Equal(t, 1, buy.TradeCount)
	assert.True(t, buy.FilledQuantity.Equal(decimal.NewFromInt(50)))

	var trades []types.Trade
	require.NoError(t, db.Find(&trades).Error)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(900)))
}

func TestCancelOrder_RoundTripRestoresBalance(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "buyer", types.CurrencyAOA, 90000)

	placed, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "")
	require.NoError(t, err)

	cancelled, err := svc.CancelOrder(placed.OrderID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.ReleasedAmount.Equal(decimal.NewFromInt(90000)))

	w := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, w.Available.Equal(decimal.NewFromInt(90000)))
	assert.True(t, w.Reserved.IsZero())

	// Cancelling again is rejected and does not move funds
	_, err = svc.CancelOrder(placed.OrderID, "buyer")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	w = getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, w.Available.Equal(decimal.NewFromInt(90000)))
}

func TestCancelOrder_OwnershipEnforced(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "buyer", types.CurrencyAOA, 90000)

	placed, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "")
	require.NoError(t, err)

	_, err = svc.CancelOrder(placed.OrderID, "intruder")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = svc.CancelOrder("ORD_missing", "buyer")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPlaceOrder_IdempotencyKeyReplaysOriginal(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "buyer", types.CurrencyAOA, 90000)

	first, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "retry-key-1")
	require.NoError(t, err)

	second, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "retry-key-1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)

	var orders, reservations int64
	require.NoError(t, db.Model(&types.Order{}).Count(&orders).Error)
	require.NoError(t, db.Model(&types.FundReservation{}).Count(&reservations).Error)
	assert.EqualValues(t, 1, orders)
	assert.EqualValues(t, 1, reservations)

	// Funds were reserved exactly once
	w := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, w.Reserved.Equal(decimal.NewFromInt(90000)))
}

func TestPlaceOrder_ConcurrentSellsNeverOverfillRestingBuy(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "buyer", types.CurrencyAOA, 90000)

	resting, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "")
	require.NoError(t, err)

	const sellers = 8
	var wg sync.WaitGroup
	for i := 0; i < sellers; i++ {
		userID := "seller-" + string(rune('a'+i))
		fund(t, db, userID, types.CurrencyEUR, 25)
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			// Concurrency conflicts past the retry budget are acceptable;
			// overfilling is not.
			_, _ = svc.PlaceOrder(userID, limitOrder(types.SideSell, 25, 900), "")
		}(userID)
	}
	wg.Wait()

	var trades []types.Trade
	require.NoError(t, db.Find(&trades).Error)

	total := decimal.Zero
	for _, trade := range trades {
		assert.Equal(t, resting.OrderID, trade.BuyOrderID)
		total = total.Add(trade.Quantity)
	}
	assert.True(t, total.LessThanOrEqual(decimal.NewFromInt(100)), "filled %s of a 100 unit buy", total)

	buyOrder, err := svc.db.GetOrder(resting.OrderID)
	require.NoError(t, err)
	assert.True(t, buyOrder.RemainingQuantity.Equal(decimal.NewFromInt(100).Sub(total)))
	assert.True(t, buyOrder.RemainingQuantity.GreaterThanOrEqual(decimal.Zero))

	// The buyer's hold covers exactly the resting remainder
	buyerAOA := getWallet(t, db, "buyer", types.CurrencyAOA)
	assert.True(t, buyerAOA.Reserved.Equal(buyOrder.RemainingQuantity.Mul(decimal.NewFromInt(900))))
}

func TestGetOpenOrders_ListsOnlyRestingOrders(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	fund(t, db, "buyer", types.CurrencyAOA, 200000)

	first, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 900), "")
	require.NoError(t, err)
	second, err := svc.PlaceOrder("buyer", limitOrder(types.SideBuy, 100, 910), "")
	require.NoError(t, err)

	_, err = svc.CancelOrder(first.OrderID, "buyer")
	require.NoError(t, err)

	open, err := svc.GetOpenOrders("buyer")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.OrderID, open[0].OrderID)

	// GetOrder is scoped to the owner
	_, err = svc.GetOrder(second.OrderID, "intruder")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
