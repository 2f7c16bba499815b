package book

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/kwanzapay/exchange-api/internal/wallet"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// executeTrade settles one fill between the taker and a resting maker order
// in a single transaction: both reservations are consumed, both
// counterparties are credited, both orders are decremented under version
// guard, and the immutable trade row is appended. Any failure rolls the
// whole transaction back; a half-settled trade is never observable.
//
// The maker's price is re-read inside the transaction (the pricing batch may
// have moved it) and the trade executes at that price. priceBound is the
// taker's limit price, or its slippage bound for market orders; if the fresh
// maker price falls outside it the fill is abandoned with
// ErrConcurrencyConflict so the matching loop re-evaluates candidates.
func (s *Service) executeTrade(takerOrderID, makerOrderID string, priceBound decimal.NullDecimal) (*types.Trade, error) {
	var trade *types.Trade

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		bdb := NewDatabase(tx)
		wdb := wallet.NewDatabase(tx)

		taker, err := bdb.GetOrder(takerOrderID)
		if err != nil {
			return err
		}
		maker, err := bdb.GetOrder(makerOrderID)
		if err != nil {
			return err
		}

		if !taker.IsOpen() || !maker.IsOpen() {
			return types.ErrConcurrencyConflict
		}

		quantity := decimal.Min(taker.RemainingQuantity, maker.RemainingQuantity)
		if quantity.LessThanOrEqual(decimal.Zero) {
			return types.ErrConcurrencyConflict
		}

		if !maker.Price.Valid {
			return fmt.Errorf("resting order %s has no price", maker.OrderID)
		}
		price := maker.Price.Decimal

		if priceBound.Valid {
			if taker.Side == types.SideBuy && price.GreaterThan(priceBound.Decimal) {
				return types.ErrConcurrencyConflict
			}
			if taker.Side == types.SideSell && price.LessThan(priceBound.Decimal) {
				return types.ErrConcurrencyConflict
			}
		}

		buyOrder, sellOrder := taker, maker
		if taker.Side == types.SideSell {
			buyOrder, sellOrder = maker, taker
		}

		cost := quantity.Mul(price)

		buyRes, err := wdb.GetActiveReservationByOrder(buyOrder.OrderID)
		if err != nil {
			return fmt.Errorf("buy-side reservation: %w", err)
		}
		sellRes, err := wdb.GetActiveReservationByOrder(sellOrder.OrderID)
		if err != nil {
			return fmt.Errorf("sell-side reservation: %w", err)
		}

		// Buy leg: quote currency leaves the buyer's hold, base is credited.
		if err := wdb.Consume(buyRes.ReservationID, cost); err != nil {
			return err
		}
		// A fill below the buyer's limit price frees the difference so the
		// hold stays equal to remaining quantity at the limit price.
		if buyOrder.OrderType == types.OrderTypeLimit && buyOrder.Price.Valid {
			improvement := quantity.Mul(buyOrder.Price.Decimal.Sub(price))
			if improvement.GreaterThan(decimal.Zero) {
				if err := wdb.ReduceReservation(buyRes.ReservationID, improvement); err != nil {
					return err
				}
			}
		}
		if err := wdb.Credit(buyOrder.UserID, buyOrder.BaseCurrency, quantity); err != nil {
			return err
		}

		// Sell leg: base currency leaves the seller's hold, quote is credited.
		if err := wdb.Consume(sellRes.ReservationID, quantity); err != nil {
			return err
		}
		if err := wdb.Credit(sellOrder.UserID, sellOrder.QuoteCurrency, cost); err != nil {
			return err
		}

		for _, o := range []*types.Order{buyOrder, sellOrder} {
			remaining := o.RemainingQuantity.Sub(quantity)
			status := types.OrderStatusPartiallyFilled
			if remaining.LessThanOrEqual(decimal.Zero) {
				remaining = decimal.Zero
				status = types.OrderStatusFilled
			}
			err := bdb.UpdateOrderVersioned(o.OrderID, o.Version, map[string]interface{}{
				"remaining_quantity": remaining,
				"status":             status,
			})
			if err != nil {
				return err
			}

			// A filled order can leave a residual hold (market buys reserve
			// an estimate). Return whatever is left.
			if status == types.OrderStatusFilled {
				if err := releaseResidual(wdb, o.OrderID); err != nil {
					return err
				}
			}
		}

		trade = &types.Trade{
			TradeID:     "TRD_" + uuid.New().String(),
			BuyOrderID:  buyOrder.OrderID,
			SellOrderID: sellOrder.OrderID,
			Price:       price,
			Quantity:    quantity,
			ExecutedAt:  time.Now(),
		}
		return bdb.CreateTrade(trade)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "book").
		Str("trade_id", trade.TradeID).
		Str("buy_order_id", trade.BuyOrderID).
		Str("sell_order_id", trade.SellOrderID).
		Str("price", trade.Price.String()).
		Str("quantity", trade.Quantity.String()).
		Msg("trade settled")
	return trade, nil
}

// releaseResidual returns any remaining active hold for a terminal order.
// Fully consumed reservations are already closed by Consume, so finding
// nothing active is the normal case.
func releaseResidual(wdb *wallet.Database, orderID string) error {
	res, err := wdb.GetActiveReservationByOrder(orderID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = wdb.Release(res.ReservationID)
	return err
}
