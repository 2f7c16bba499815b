package pricing

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/kwanzapay/exchange-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const maxToggleRetries = 3

// Service recomputes resting dynamic sell-order prices from recent trade
// volume, within each order's hard bounds, leaving an audit row for every
// applied change.
type Service struct {
	gormDB *gorm.DB
	db     *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gormDB: gormDB,
		db:     NewDatabase(gormDB),
	}
}

// CalculateVWAP computes the volume-weighted average trade price over the
// trailing window. SufficientVolume is false when total volume falls below
// the minimum threshold, in which case VWAP is zero and must not be used.
func (s *Service) CalculateVWAP(base, quote string, hours int) (*VWAPResult, error) {
	if hours <= 0 {
		hours = DefaultVWAPWindowHours
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	notional, volume, count, err := s.db.TradeStats(base, quote, since)
	if err != nil {
		return nil, err
	}

	result := &VWAPResult{
		TotalVolume: volume,
		TradeCount:  count,
		WindowHours: hours,
	}
	if volume.GreaterThanOrEqual(minVWAPVolume) {
		result.VWAP = notional.Div(volume)
		result.SufficientVolume = true
	}
	return result, nil
}

// calculateDynamicPrice picks the target price for one order: VWAP when the
// window has sufficient volume, otherwise one percent below the best
// competing ask, otherwise the current price. The result is always clamped
// to the order's bounds.
func (s *Service) calculateDynamicPrice(order *types.Order, vwap *VWAPResult) (decimal.Decimal, string, decimal.NullDecimal, error) {
	current := order.Price.Decimal

	var target decimal.Decimal
	var reason string
	var vwapRef decimal.NullDecimal

	switch {
	case vwap.SufficientVolume:
		target = vwap.VWAP
		reason = ReasonVWAPAdjustment
		vwapRef = decimal.NewNullDecimal(vwap.VWAP)
	default:
		bestAsk, err := s.db.BestAskExcluding(order.BaseCurrency, order.QuoteCurrency, order.OrderID)
		if err != nil {
			return decimal.Zero, "", decimal.NullDecimal{}, err
		}
		if !bestAsk.Valid {
			return current, "", decimal.NullDecimal{}, nil
		}
		target = bestAsk.Decimal.Mul(undercutRatio)
		reason = ReasonBestAskUndercut
	}

	if order.MinPriceBound.Valid && target.LessThan(order.MinPriceBound.Decimal) {
		target = order.MinPriceBound.Decimal
	}
	if order.MaxPriceBound.Valid && target.GreaterThan(order.MaxPriceBound.Decimal) {
		target = order.MaxPriceBound.Decimal
	}
	return target, reason, vwapRef, nil
}

// ProcessAllDynamicPricingUpdates evaluates every open dynamic order once.
// Unchanged targets are skipped without mutation or audit row. Each applied
// update is version-guarded, so a concurrent fill or cancel wins and the
// order is skipped for this cycle; re-running the batch is safe.
func (s *Service) ProcessAllDynamicPricingUpdates() (*BatchResult, error) {
	logger := log.With().Str("service", "pricing").Logger()

	orders, err := s.db.GetDynamicOrders()
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		TotalOrdersProcessed: len(orders),
		UpdateSummary:        []PriceUpdateSummary{},
	}
	vwapCache := make(map[string]*VWAPResult)

	for i := range orders {
		order := &orders[i]

		pairKey := order.BaseCurrency + "/" + order.QuoteCurrency
		vwap, ok := vwapCache[pairKey]
		if !ok {
			vwap, err = s.CalculateVWAP(order.BaseCurrency, order.QuoteCurrency, DefaultVWAPWindowHours)
			if err != nil {
				return nil, err
			}
			vwapCache[pairKey] = vwap
		}

		target, reason, vwapRef, err := s.calculateDynamicPrice(order, vwap)
		if err != nil {
			return nil, err
		}
		if reason == "" || target.Equal(order.Price.Decimal) {
			result.OrdersUnchanged++
			continue
		}

		summary, err := s.applyPriceUpdate(order, target, reason, vwapRef)
		if err != nil {
			if errors.Is(err, types.ErrConcurrencyConflict) {
				// The order changed underneath the batch; next cycle
				// re-evaluates it.
				logger.Debug().Str("order_id", order.OrderID).Msg("order changed mid-batch, skipping")
				result.OrdersUnchanged++
				continue
			}
			return nil, err
		}
		result.OrdersUpdated++
		result.UpdateSummary = append(result.UpdateSummary, *summary)
	}

	logger.Info().
		Int("total_orders_processed", result.TotalOrdersProcessed).
		Int("orders_updated", result.OrdersUpdated).
		Int("orders_unchanged", result.OrdersUnchanged).
		Msg("dynamic pricing batch completed")
	return result, nil
}

// applyPriceUpdate writes the new price and its audit row in one transaction.
func (s *Service) applyPriceUpdate(order *types.Order, target decimal.Decimal, reason string, vwapRef decimal.NullDecimal) (*PriceUpdateSummary, error) {
	oldPrice := order.Price.Decimal
	changePct := target.Sub(oldPrice).Div(oldPrice).Mul(decimal.NewFromInt(100))
	now := time.Now()

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		pdb := NewDatabase(tx)

		fresh, err := pdb.GetOrder(order.OrderID)
		if err != nil {
			return err
		}
		if !fresh.IsOpen() || !fresh.DynamicPricingEnabled || !fresh.Price.Decimal.Equal(oldPrice) {
			return types.ErrConcurrencyConflict
		}

		err = pdb.UpdateOrderVersioned(fresh.OrderID, fresh.Version, map[string]interface{}{
			"price":              target,
			"price_update_count": gorm.Expr("price_update_count + 1"),
			"last_price_update":  now,
		})
		if err != nil {
			return err
		}

		return pdb.CreatePriceUpdate(&types.PriceUpdate{
			PriceUpdateID:         "PRU_" + uuid.New().String(),
			OrderID:               order.OrderID,
			OldPrice:              oldPrice,
			NewPrice:              target,
			PriceChangePercentage: changePct,
			UpdateReason:          reason,
			VWAPReference:         vwapRef,
			CreatedAt:             now,
		})
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "pricing").
		Str("order_id", order.OrderID).
		Str("old_price", oldPrice.String()).
		Str("new_price", target.String()).
		Str("reason", reason).
		Msg("dynamic price applied")

	return &PriceUpdateSummary{
		OrderID:               order.OrderID,
		OldPrice:              oldPrice,
		NewPrice:              target,
		PriceChangePercentage: changePct,
		UpdateReason:          reason,
	}, nil
}

// ToggleDynamicPricing flips the dynamic pricing flag on an order the caller
// owns. Enabling sets the original price and bounds from the current price
// when they were never set; disabling freezes the current price as a static
// limit price.
func (s *Service) ToggleDynamicPricing(orderID, userID string, enable bool) (*ToggleResponse, error) {
	var resp *ToggleResponse
	var err error
	for attempt := 0; attempt < maxToggleRetries; attempt++ {
		resp, err = s.tryToggle(orderID, userID, enable)
		if !errors.Is(err, types.ErrConcurrencyConflict) {
			break
		}
	}
	return resp, err
}

func (s *Service) tryToggle(orderID, userID string, enable bool) (*ToggleResponse, error) {
	var resp *ToggleResponse
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		pdb := NewDatabase(tx)

		order, err := pdb.GetOrder(orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("%w: order %s is not owned by caller", types.ErrUnauthorized, orderID)
		}
		if !order.IsOpen() {
			return fmt.Errorf("%w: order %s is %s", types.ErrInvalidState, orderID, order.Status)
		}

		updates := map[string]interface{}{
			"dynamic_pricing_enabled": enable,
		}
		if enable {
			if order.OrderType != types.OrderTypeLimit || order.Side != types.SideSell {
				return fmt.Errorf("%w: dynamic pricing is only available for limit sell orders", types.ErrValidation)
			}
			if !order.OriginalPrice.Valid {
				updates["original_price"] = order.Price.Decimal
				updates["min_price_bound"] = order.Price.Decimal.Mul(types.DynamicMinBoundRatio)
				updates["max_price_bound"] = order.Price.Decimal.Mul(types.DynamicMaxBoundRatio)
			}
		}

		if err := pdb.UpdateOrderVersioned(order.OrderID, order.Version, updates); err != nil {
			return err
		}

		message := "dynamic pricing disabled, current price frozen"
		if enable {
			message = "dynamic pricing enabled"
		}
		resp = &ToggleResponse{
			OrderID:               order.OrderID,
			DynamicPricingEnabled: enable,
			Message:               message,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GinHandlers contains HTTP handlers for pricing endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// VWAPHandler handles GET requests for the volume-weighted average price
// Query parameters: base_currency, quote_currency, hours
func (h *GinHandlers) VWAPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		base := c.DefaultQuery("base_currency", types.CurrencyEUR)
		quote := c.DefaultQuery("quote_currency", types.CurrencyAOA)
		hours, err := strconv.Atoi(c.DefaultQuery("hours", strconv.Itoa(DefaultVWAPWindowHours)))
		if err != nil || hours <= 0 {
			response.BadRequest(c, "hours must be a positive integer")
			return
		}
		if !types.IsPairSupported(base, quote) {
			response.BadRequest(c, "unsupported currency pair")
			return
		}

		result, err := h.service.CalculateVWAP(base, quote, hours)
		response.Handle(c, result, err)
	}
}

// ToggleHandler handles POST requests to flip dynamic pricing on an order
// URL parameter: order_id
func (h *GinHandlers) ToggleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var request struct {
			Enable *bool `json:"enable" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ToggleDynamicPricing(c.Param("order_id"), userID, *request.Enable)
		response.Handle(c, result, err)
	}
}

// RunBatchHandler handles internal POST requests to run the pricing batch
func (h *GinHandlers) RunBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.ProcessAllDynamicPricingUpdates()
		response.Handle(c, result, err)
	}
}
