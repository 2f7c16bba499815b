package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSlippagePercent bounds how far a market order may execute from the
// best available price at submission time.
var DefaultSlippagePercent = decimal.NewFromInt(5)

// PlaceOrderRequest is the payload for order placement.
type PlaceOrderRequest struct {
	Side                  string           `json:"side" binding:"required"`
	OrderType             string           `json:"order_type" binding:"required"`
	BaseCurrency          string           `json:"base_currency" binding:"required"`
	QuoteCurrency         string           `json:"quote_currency" binding:"required"`
	Quantity              decimal.Decimal  `json:"quantity" binding:"required"`
	Price                 *decimal.Decimal `json:"price,omitempty"`
	DynamicPricingEnabled bool             `json:"dynamic_pricing_enabled"`
	SlippagePercent       *decimal.Decimal `json:"slippage_percent,omitempty"`
}

// PlaceOrderResponse reports the outcome of a placement, including any fills
// produced by the synchronous matching pass.
type PlaceOrderResponse struct {
	OrderID           string          `json:"order_id"`
	Status            string          `json:"status"`
	ReservedAmount    decimal.Decimal `json:"reserved_amount"`
	ReservedCurrency  string          `json:"reserved_currency"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	TradeCount        int             `json:"trade_count"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CancelOrderResponse reports a completed cancellation.
type CancelOrderResponse struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	ReleasedAmount decimal.Decimal `json:"released_amount"`
	CancelledAt    time.Time       `json:"cancelled_at"`
}
