package marketdata

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/kwanzapay/exchange-api/pkg/response"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultDepthLevels = 10
	maxDepthLevels     = 100
	defaultTradeLimit  = 50
	maxTradeLimit      = 500
)

// Service exposes read-only projections over the order book and trade log.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// GetBestPrices returns the top of book and the spread for a pair.
func (s *Service) GetBestPrices(base, quote string) (*BestPrices, error) {
	bid, err := s.db.BestBid(base, quote)
	if err != nil {
		return nil, err
	}
	ask, err := s.db.BestAsk(base, quote)
	if err != nil {
		return nil, err
	}

	result := &BestPrices{
		BaseCurrency:  base,
		QuoteCurrency: quote,
		BestBid:       bid,
		BestAsk:       ask,
	}
	if bid.Valid && ask.Valid {
		result.Spread = decimal.NewNullDecimal(ask.Decimal.Sub(bid.Decimal))
	}
	return result, nil
}

// GetOrderBookDepth aggregates resting orders into at most levels price
// levels per side.
func (s *Service) GetOrderBookDepth(base, quote string, levels int) (*OrderBookDepth, error) {
	if levels <= 0 {
		levels = defaultDepthLevels
	}
	if levels > maxDepthLevels {
		levels = maxDepthLevels
	}

	bids, err := s.db.DepthLevels(base, quote, types.SideBuy, levels)
	if err != nil {
		return nil, err
	}
	asks, err := s.db.DepthLevels(base, quote, types.SideSell, levels)
	if err != nil {
		return nil, err
	}

	return &OrderBookDepth{
		BaseCurrency:  base,
		QuoteCurrency: quote,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

// GetRecentTrades returns the pair's latest trades, newest first.
func (s *Service) GetRecentTrades(base, quote string, limit int) ([]RecentTrade, error) {
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}
	return s.db.RecentTrades(base, quote, limit)
}

// GinHandlers contains HTTP handlers for market data endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// BestPricesHandler handles GET requests for the top of book
func (h *GinHandlers) BestPricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		base, quote, ok := pairParams(c)
		if !ok {
			return
		}

		result, err := h.service.GetBestPrices(base, quote)
		response.Handle(c, result, err)
	}
}

// DepthHandler handles GET requests for aggregated order book depth
// Query parameter: levels
func (h *GinHandlers) DepthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		base, quote, ok := pairParams(c)
		if !ok {
			return
		}

		levels, err := strconv.Atoi(c.DefaultQuery("levels", strconv.Itoa(defaultDepthLevels)))
		if err != nil {
			response.BadRequest(c, "levels must be an integer")
			return
		}

		result, err := h.service.GetOrderBookDepth(base, quote, levels)
		response.Handle(c, result, err)
	}
}

// RecentTradesHandler handles GET requests for the latest trades
// Query parameter: limit
func (h *GinHandlers) RecentTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		base, quote, ok := pairParams(c)
		if !ok {
			return
		}

		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultTradeLimit)))
		if err != nil {
			response.BadRequest(c, "limit must be an integer")
			return
		}

		trades, err := h.service.GetRecentTrades(base, quote, limit)
		response.Handle(c, trades, err)
	}
}

func pairParams(c *gin.Context) (string, string, bool) {
	base := c.DefaultQuery("base_currency", types.CurrencyEUR)
	quote := c.DefaultQuery("quote_currency", types.CurrencyAOA)
	if !types.IsPairSupported(base, quote) {
		response.BadRequest(c, "unsupported currency pair")
		return "", "", false
	}
	return base, quote, true
}
