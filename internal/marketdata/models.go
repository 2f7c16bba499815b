package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// BestPrices is the top of book for a pair. Bid, ask and spread are null
// when the corresponding side of the book is empty.
type BestPrices struct {
	BaseCurrency  string              `json:"base_currency"`
	QuoteCurrency string              `json:"quote_currency"`
	BestBid       decimal.NullDecimal `json:"best_bid"`
	BestAsk       decimal.NullDecimal `json:"best_ask"`
	Spread        decimal.NullDecimal `json:"spread"`
}

// DepthLevel is one aggregated price level of the book.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Count    int64           `json:"count"`
}

// OrderBookDepth is the aggregated book to a bounded number of levels per side.
type OrderBookDepth struct {
	BaseCurrency  string       `json:"base_currency"`
	QuoteCurrency string       `json:"quote_currency"`
	Bids          []DepthLevel `json:"bids"`
	Asks          []DepthLevel `json:"asks"`
}

// RecentTrade is one executed trade with the taker's side.
type RecentTrade struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Side       string          `json:"side"`
	ExecutedAt time.Time       `json:"executed_at"`
}
