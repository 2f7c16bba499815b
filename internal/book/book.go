package book

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/kwanzapay/exchange-api/internal/wallet"
	"github.com/kwanzapay/exchange-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service owns order placement, matching and cancellation.
type Service struct {
	gormDB *gorm.DB
	db     *Database
}

// NewService creates a new order book service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gormDB: gormDB,
		db:     NewDatabase(gormDB),
	}
}

// PlaceOrder validates the request, reserves the full notional, inserts the
// order and immediately runs the matching pass. The reserve and insert are
// one transaction: a denied reservation leaves no order behind. Market
// orders never rest; any remainder after matching is cancelled and its hold
// released.
func (s *Service) PlaceOrder(userID string, req *PlaceOrderRequest, idempotencyKey string) (*PlaceOrderResponse, error) {
	logger := log.With().
		Str("service", "book").
		Str("user_id", userID).
		Str("side", req.Side).
		Str("order_type", req.OrderType).
		Logger()

	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil && record.ExpiresAt.After(time.Now()) {
			logger.Info().Str("order_id", record.ResourceID).Msg("returning order for replayed idempotency key")
			return s.buildPlaceResponse(record.ResourceID)
		}
	}

	if err := validatePlaceOrder(req); err != nil {
		return nil, err
	}

	slippage := DefaultSlippagePercent
	if req.SlippagePercent != nil {
		slippage = *req.SlippagePercent
	}

	reserveCurrency, reserveAmount, err := s.reservationNotional(req, slippage)
	if err != nil {
		return nil, err
	}

	order := &types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		UserID:            userID,
		Side:              req.Side,
		OrderType:         req.OrderType,
		BaseCurrency:      req.BaseCurrency,
		QuoteCurrency:     req.QuoteCurrency,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            types.OrderStatusPending,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if req.Price != nil {
		order.Price = decimal.NewNullDecimal(*req.Price)
	}
	if req.DynamicPricingEnabled {
		order.DynamicPricingEnabled = true
		order.OriginalPrice = decimal.NewNullDecimal(*req.Price)
		order.MinPriceBound = decimal.NewNullDecimal(req.Price.Mul(types.DynamicMinBoundRatio))
		order.MaxPriceBound = decimal.NewNullDecimal(req.Price.Mul(types.DynamicMaxBoundRatio))
	}

	err = s.gormDB.Transaction(func(tx *gorm.DB) error {
		if _, err := wallet.NewDatabase(tx).Reserve(userID, reserveCurrency, reserveAmount, order.OrderID); err != nil {
			return err
		}
		bdb := NewDatabase(tx)
		if idempotencyKey != "" {
			return bdb.CreateOrderWithIdempotency(order, idempotencyKey)
		}
		return bdb.CreateOrder(order)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("placement rejected")
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("reserved_amount", reserveAmount.String()).
		Str("reserved_currency", reserveCurrency).
		Msg("order placed, running match")

	trades, matchErr := s.matchOrder(order.OrderID, slippage)
	if matchErr != nil {
		logger.Error().Err(matchErr).Msg("matching pass failed, order remains in book")
	}
	if req.OrderType == types.OrderTypeMarket {
		if err := s.finalizeMarketOrder(order.OrderID); err != nil {
			logger.Error().Err(err).Msg("failed to cancel market order remainder")
		}
	}

	resp, err := s.buildPlaceResponse(order.OrderID)
	if err != nil {
		return nil, err
	}
	resp.ReservedAmount = reserveAmount
	resp.ReservedCurrency = reserveCurrency
	resp.TradeCount = len(trades)
	return resp, nil
}

// CancelOrder releases the order's remaining hold and marks it terminal.
// The version-guarded status flip retries a bounded number of times when a
// concurrent fill wins the race; an order that filled mid-cancel reports
// ErrInvalidState.
func (s *Service) CancelOrder(orderID, userID string) (*CancelOrderResponse, error) {
	var resp *CancelOrderResponse
	var err error
	for attempt := 0; attempt < maxMatchRetries; attempt++ {
		resp, err = s.tryCancel(orderID, userID)
		if !errors.Is(err, types.ErrConcurrencyConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "book").
		Str("order_id", orderID).
		Str("released_amount", resp.ReleasedAmount.String()).
		Msg("order cancelled")
	return resp, nil
}

func (s *Service) tryCancel(orderID, userID string) (*CancelOrderResponse, error) {
	var resp *CancelOrderResponse
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		bdb := NewDatabase(tx)
		wdb := wallet.NewDatabase(tx)

		order, err := bdb.GetOrder(orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("%w: order %s is not owned by caller", types.ErrUnauthorized, orderID)
		}
		if !order.IsOpen() {
			return fmt.Errorf("%w: order %s is %s", types.ErrInvalidState, orderID, order.Status)
		}

		err = bdb.UpdateOrderVersioned(order.OrderID, order.Version, map[string]interface{}{
			"status": types.OrderStatusCancelled,
		})
		if err != nil {
			return err
		}

		released := decimal.Zero
		res, err := wdb.GetActiveReservationByOrder(order.OrderID)
		if err == nil {
			released, err = wdb.Release(res.ReservationID)
			if err != nil {
				return err
			}
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		resp = &CancelOrderResponse{
			OrderID:        order.OrderID,
			Status:         types.OrderStatusCancelled,
			ReleasedAmount: released,
			CancelledAt:    time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetOrder retrieves an order owned by the caller.
func (s *Service) GetOrder(orderID, userID string) (*types.Order, error) {
	return s.db.GetOrderByIDAndUser(orderID, userID)
}

// GetOpenOrders lists the caller's resting orders.
func (s *Service) GetOpenOrders(userID string) ([]types.Order, error) {
	return s.db.GetOpenOrdersByUser(userID)
}

// finalizeMarketOrder cancels whatever a market order could not fill within
// its slippage bound and releases the residual hold.
func (s *Service) finalizeMarketOrder(orderID string) error {
	var lastErr error
	for attempt := 0; attempt < maxMatchRetries; attempt++ {
		lastErr = s.gormDB.Transaction(func(tx *gorm.DB) error {
			bdb := NewDatabase(tx)
			order, err := bdb.GetOrder(orderID)
			if err != nil {
				return err
			}
			if !order.IsOpen() {
				return nil
			}
			err = bdb.UpdateOrderVersioned(order.OrderID, order.Version, map[string]interface{}{
				"status": types.OrderStatusCancelled,
			})
			if err != nil {
				return err
			}
			return releaseResidual(wallet.NewDatabase(tx), order.OrderID)
		})
		if !errors.Is(lastErr, types.ErrConcurrencyConflict) {
			break
		}
	}
	return lastErr
}

// reservationNotional computes the currency and amount the order must hold:
// sells hold the base quantity, limit buys hold quantity x price in quote,
// market buys hold an estimate at the best ask padded by the slippage bound.
func (s *Service) reservationNotional(req *PlaceOrderRequest, slippage decimal.Decimal) (string, decimal.Decimal, error) {
	if req.Side == types.SideSell {
		return req.BaseCurrency, req.Quantity, nil
	}
	if req.OrderType == types.OrderTypeLimit {
		return req.QuoteCurrency, req.Quantity.Mul(*req.Price), nil
	}

	bestAsk, err := s.db.BestAsk(req.BaseCurrency, req.QuoteCurrency)
	if err != nil {
		return "", decimal.Zero, err
	}
	if !bestAsk.Valid {
		return "", decimal.Zero, fmt.Errorf("%w: no resting asks to price a market buy", types.ErrInsufficientLiquidity)
	}
	estimate := req.Quantity.Mul(bestAsk.Decimal).
		Mul(decimal.NewFromInt(1).Add(slippage.Div(oneHundred)))
	return req.QuoteCurrency, estimate, nil
}

func (s *Service) buildPlaceResponse(orderID string) (*PlaceOrderResponse, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}

	resp := &PlaceOrderResponse{
		OrderID:           order.OrderID,
		Status:            order.Status,
		FilledQuantity:    order.Quantity.Sub(order.RemainingQuantity),
		RemainingQuantity: order.RemainingQuantity,
		CreatedAt:         order.CreatedAt,
	}
	if res, err := wallet.NewDatabase(s.gormDB).GetActiveReservationByOrder(order.OrderID); err == nil {
		resp.ReservedAmount = res.Amount
		resp.ReservedCurrency = res.Currency
	}
	return resp, nil
}

func validatePlaceOrder(req *PlaceOrderRequest) error {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", types.ErrValidation)
	}
	if req.OrderType != types.OrderTypeLimit && req.OrderType != types.OrderTypeMarket {
		return fmt.Errorf("%w: order_type must be LIMIT or MARKET", types.ErrValidation)
	}
	if req.BaseCurrency == req.QuoteCurrency {
		return fmt.Errorf("%w: base and quote currency must differ", types.ErrValidation)
	}
	if !types.IsPairSupported(req.BaseCurrency, req.QuoteCurrency) {
		return fmt.Errorf("%w: unsupported currency pair %s/%s", types.ErrValidation, req.BaseCurrency, req.QuoteCurrency)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: quantity must be positive", types.ErrValidation)
	}
	if req.OrderType == types.OrderTypeLimit {
		if req.Price == nil || req.Price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: limit orders require a positive price", types.ErrValidation)
		}
	} else {
		if req.Price != nil {
			return fmt.Errorf("%w: market orders must not carry a price", types.ErrValidation)
		}
	}
	if req.DynamicPricingEnabled && (req.OrderType != types.OrderTypeLimit || req.Side != types.SideSell) {
		return fmt.Errorf("%w: dynamic pricing is only available for limit sell orders", types.ErrValidation)
	}
	if req.SlippagePercent != nil && req.SlippagePercent.IsNegative() {
		return fmt.Errorf("%w: slippage_percent must not be negative", types.ErrValidation)
	}
	return nil
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PlaceOrderHandler handles POST requests to place new orders
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.PlaceOrder(userID, &req, idempotencyKey)
		response.Handle(c, result, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel open orders
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		result, err := h.service.CancelOrder(c.Param("order_id"), userID)
		response.Handle(c, result, err)
	}
}

// GetOrderHandler handles GET requests to retrieve an order's status
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		order, err := h.service.GetOrder(c.Param("order_id"), userID)
		response.Handle(c, order, err)
	}
}

// ListOpenOrdersHandler handles GET requests for the caller's resting orders
func (h *GinHandlers) ListOpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		orders, err := h.service.GetOpenOrders(userID)
		response.Handle(c, orders, err)
	}
}
