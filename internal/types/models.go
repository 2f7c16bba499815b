package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order statuses
const (
	OrderStatusPending         = "PENDING"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)

// Reservation statuses
const (
	ReservationStatusActive   = "ACTIVE"
	ReservationStatusReleased = "RELEASED"
	ReservationStatusConsumed = "CONSUMED"
)

// Dynamic pricing bounds relative to the original order price
var (
	DynamicMinBoundRatio = decimal.RequireFromString("0.8")
	DynamicMaxBoundRatio = decimal.RequireFromString("1.2")
)

// Order is a durable order book row. RemainingQuantity and Status are the
// matching engine's source of truth; Version guards every mutation so that
// concurrent matchers and the pricing batch cannot double-consume a row.
type Order struct {
	gorm.Model            `json:"-"`
	OrderID               string              `gorm:"uniqueIndex" json:"order_id"`
	UserID                string              `gorm:"index" json:"user_id"`
	Side                  string              `json:"side"`       // BUY or SELL
	OrderType             string              `json:"order_type"` // LIMIT or MARKET
	BaseCurrency          string              `json:"base_currency"`
	QuoteCurrency         string              `json:"quote_currency"`
	Quantity              decimal.Decimal     `gorm:"type:decimal(32,8)" json:"quantity"`
	RemainingQuantity     decimal.Decimal     `gorm:"type:decimal(32,8)" json:"remaining_quantity"`
	Price                 decimal.NullDecimal `gorm:"type:decimal(32,8)" json:"price"` // null for market orders
	Status                string              `gorm:"index" json:"status"`             // PENDING, PARTIALLY_FILLED, FILLED, CANCELLED
	DynamicPricingEnabled bool                `json:"dynamic_pricing_enabled"`
	OriginalPrice         decimal.NullDecimal `gorm:"type:decimal(32,8)" json:"original_price"`
	MinPriceBound         decimal.NullDecimal `gorm:"type:decimal(32,8)" json:"min_price_bound"`
	MaxPriceBound         decimal.NullDecimal `gorm:"type:decimal(32,8)" json:"max_price_bound"`
	PriceUpdateCount      int                 `json:"price_update_count"`
	LastPriceUpdate       *time.Time          `json:"last_price_update,omitempty"`
	Version               int                 `json:"-"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// IsOpen reports whether the order is still eligible for matching.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusPartiallyFilled
}

// Wallet is the per-user, per-currency balance record and the single source
// of truth for funds. Available and Reserved are mutated only through the
// reservation manager and trade settlement.
type Wallet struct {
	gorm.Model `json:"-"`
	UserID     string          `gorm:"uniqueIndex:idx_wallets_user_currency" json:"user_id"`
	Currency   string          `gorm:"uniqueIndex:idx_wallets_user_currency" json:"currency"`
	Available  decimal.Decimal `gorm:"type:decimal(32,8)" json:"available"`
	Reserved   decimal.Decimal `gorm:"type:decimal(32,8)" json:"reserved"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FundReservation is a hold against a wallet on behalf of a single order.
// Amount is the remaining held amount; it shrinks on every partial fill and
// reaches zero exactly when the reservation is consumed.
type FundReservation struct {
	gorm.Model    `json:"-"`
	ReservationID string          `gorm:"uniqueIndex" json:"reservation_id"`
	OrderID       string          `gorm:"index" json:"order_id"`
	UserID        string          `gorm:"index" json:"user_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `gorm:"type:decimal(32,8)" json:"amount"`
	Status        string          `gorm:"index" json:"status"` // ACTIVE, RELEASED, CONSUMED
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Trade is an immutable settlement record. Rows are only ever appended.
type Trade struct {
	gorm.Model  `json:"-"`
	TradeID     string          `gorm:"uniqueIndex" json:"trade_id"`
	BuyOrderID  string          `gorm:"index" json:"buy_order_id"`
	SellOrderID string          `gorm:"index" json:"sell_order_id"`
	Price       decimal.Decimal `gorm:"type:decimal(32,8)" json:"price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	ExecutedAt  time.Time       `gorm:"index" json:"executed_at"`
}

// PriceUpdate is the append-only audit trail of the dynamic pricing batch.
// Evaluations that leave the price unchanged are skipped and never recorded.
type PriceUpdate struct {
	gorm.Model            `json:"-"`
	PriceUpdateID         string              `gorm:"uniqueIndex" json:"price_update_id"`
	OrderID               string              `gorm:"index" json:"order_id"`
	OldPrice              decimal.Decimal     `gorm:"type:decimal(32,8)" json:"old_price"`
	NewPrice              decimal.Decimal     `gorm:"type:decimal(32,8)" json:"new_price"`
	PriceChangePercentage decimal.Decimal     `gorm:"type:decimal(32,8)" json:"price_change_percentage"`
	UpdateReason          string              `json:"update_reason"`
	VWAPReference         decimal.NullDecimal `gorm:"type:decimal(32,8)" json:"vwap_reference"`
	CreatedAt             time.Time           `json:"created_at"`
}

// IdempotencyRecord maps a caller-supplied idempotency key to the resource
// it originally produced, so retried placements reserve funds exactly once.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
