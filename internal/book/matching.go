package book

import (
	"errors"

	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// maxMatchRetries bounds how often a single fill is retried after losing
	// a row race before the candidate is skipped.
	maxMatchRetries = 3

	// matchBatchSize is how many resting candidates are pulled per pass.
	matchBatchSize = 50
)

var oneHundred = decimal.NewFromInt(100)

// matchOrder walks the opposite side of the book in price-time priority and
// settles fills until the incoming order is exhausted, the book runs out of
// eligible liquidity, or (for market orders) the slippage bound is reached.
// Each fill is its own transaction; the incoming order's remaining quantity
// is re-read between fills so concurrent matchers cannot over-fill it.
func (s *Service) matchOrder(orderID string, slippagePercent decimal.Decimal) ([]types.Trade, error) {
	logger := log.With().
		Str("service", "book").
		Str("order_id", orderID).
		Logger()

	var trades []types.Trade
	var marketBound decimal.NullDecimal

	for {
		incoming, err := s.db.GetOrder(orderID)
		if err != nil {
			return trades, err
		}
		if !incoming.IsOpen() || incoming.RemainingQuantity.LessThanOrEqual(decimal.Zero) {
			break
		}

		candidates, err := s.db.FindEligibleResting(incoming, matchBatchSize)
		if err != nil {
			return trades, err
		}
		if len(candidates) == 0 {
			break
		}

		// The slippage reference is the best eligible price at submission;
		// it is fixed on the first pass and holds for the whole match.
		if incoming.OrderType == types.OrderTypeMarket && !marketBound.Valid {
			ref := candidates[0].Price.Decimal
			pct := slippagePercent.Div(oneHundred)
			bound := ref.Mul(decimal.NewFromInt(1).Add(pct))
			if incoming.Side == types.SideSell {
				bound = ref.Mul(decimal.NewFromInt(1).Sub(pct))
			}
			marketBound = decimal.NewNullDecimal(bound)
		}

		priceBound := incoming.Price
		if incoming.OrderType == types.OrderTypeMarket {
			priceBound = marketBound
		}

		progressed := false
		for _, maker := range candidates {
			// Candidates are sorted best-price-first, so the first one past
			// the market bound ends the match; the remainder is cancelled by
			// the caller.
			if incoming.OrderType == types.OrderTypeMarket && outsideBound(incoming.Side, maker.Price.Decimal, marketBound.Decimal) {
				logger.Info().
					Str("maker_order_id", maker.OrderID).
					Str("maker_price", maker.Price.Decimal.String()).
					Str("bound", marketBound.Decimal.String()).
					Msg("slippage bound reached, stopping market match")
				return trades, nil
			}

			for attempt := 0; attempt < maxMatchRetries; attempt++ {
				trade, err := s.executeTrade(orderID, maker.OrderID, priceBound)
				if err == nil {
					trades = append(trades, *trade)
					progressed = true
					break
				}
				if !errors.Is(err, types.ErrConcurrencyConflict) {
					return trades, err
				}
				logger.Debug().
					Str("maker_order_id", maker.OrderID).
					Int("attempt", attempt+1).
					Msg("fill lost a row race, retrying")
			}

			fresh, err := s.db.GetOrder(orderID)
			if err != nil {
				return trades, err
			}
			if !fresh.IsOpen() || fresh.RemainingQuantity.LessThanOrEqual(decimal.Zero) {
				return trades, nil
			}
		}

		if !progressed {
			break
		}
	}

	return trades, nil
}

func outsideBound(takerSide string, price, bound decimal.Decimal) bool {
	if takerSide == types.SideBuy {
		return price.GreaterThan(bound)
	}
	return price.LessThan(bound)
}
