package pricing

import (
	"github.com/shopspring/decimal"
)

// Update reasons recorded on the audit trail
const (
	ReasonVWAPAdjustment  = "VWAP_ADJUSTMENT"
	ReasonBestAskUndercut = "BEST_ASK_UNDERCUT"
)

// minVWAPVolume is the trade volume below which the trailing window is
// considered too thin to price from.
var minVWAPVolume = decimal.NewFromInt(100)

// undercutRatio prices just below the current best offer when VWAP volume is
// insufficient.
var undercutRatio = decimal.RequireFromString("0.99")

// DefaultVWAPWindowHours is the trailing trade window used by the batch job.
const DefaultVWAPWindowHours = 24

// VWAPResult is the volume-weighted average price over a trailing window.
type VWAPResult struct {
	VWAP             decimal.Decimal `json:"vwap"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	TradeCount       int64           `json:"trade_count"`
	SufficientVolume bool            `json:"sufficient_volume"`
	WindowHours      int             `json:"window_hours"`
}

// PriceUpdateSummary is one applied change in a batch result.
type PriceUpdateSummary struct {
	OrderID               string          `json:"order_id"`
	OldPrice              decimal.Decimal `json:"old_price"`
	NewPrice              decimal.Decimal `json:"new_price"`
	PriceChangePercentage decimal.Decimal `json:"price_change_percentage"`
	UpdateReason          string          `json:"update_reason"`
}

// BatchResult summarizes one dynamic pricing batch run.
type BatchResult struct {
	TotalOrdersProcessed int                  `json:"total_orders_processed"`
	OrdersUpdated        int                  `json:"orders_updated"`
	OrdersUnchanged      int                  `json:"orders_unchanged"`
	UpdateSummary        []PriceUpdateSummary `json:"update_summary"`
}

// ToggleResponse reports the outcome of enabling or disabling dynamic
// pricing on an order.
type ToggleResponse struct {
	OrderID               string `json:"order_id"`
	DynamicPricingEnabled bool   `json:"dynamic_pricing_enabled"`
	Message               string `json:"message"`
}
