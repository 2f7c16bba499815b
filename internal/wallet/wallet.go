package wallet

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/kwanzapay/exchange-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service is the fund reservation manager. Every hold, release and consume
// goes through here; nothing else mutates wallet balances.
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

// Reserve places a hold of amount against the user's wallet on behalf of an
// order. Fails with ErrInsufficientFunds, leaving no side effect, when the
// available balance cannot cover it.
func (s *Service) Reserve(userID, currency string, amount decimal.Decimal, orderID string) (*types.FundReservation, error) {
	logger := log.With().
		Str("service", "wallet").
		Str("user_id", userID).
		Str("currency", currency).
		Str("order_id", orderID).
		Logger()

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: reservation amount must be positive", types.ErrValidation)
	}

	var reservation *types.FundReservation
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var err error
		reservation, err = NewDatabase(tx).Reserve(userID, currency, amount, orderID)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Str("amount", amount.String()).Msg("reservation denied")
		return nil, err
	}

	logger.Info().
		Str("reservation_id", reservation.ReservationID).
		Str("amount", amount.String()).
		Msg("funds reserved")
	return reservation, nil
}

// Release returns the remaining held amount of an active reservation to the
// wallet. Idempotent: a second release reports ErrInvalidState and moves
// nothing.
func (s *Service) Release(reservationID string) (decimal.Decimal, error) {
	var released decimal.Decimal
	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		var err error
		released, err = NewDatabase(tx).Release(reservationID)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	log.Info().
		Str("service", "wallet").
		Str("reservation_id", reservationID).
		Str("released", released.String()).
		Msg("reservation released")
	return released, nil
}

// Consume permanently removes amount from a reservation during settlement.
func (s *Service) Consume(reservationID string, amount decimal.Decimal) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		return NewDatabase(tx).Consume(reservationID, amount)
	})
}

// Credit deposits amount into a wallet's available balance.
func (s *Service) Credit(userID, currency string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: credit amount must be positive", types.ErrValidation)
	}

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		return NewDatabase(tx).Credit(userID, currency, amount)
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("service", "wallet").
		Str("user_id", userID).
		Str("currency", currency).
		Str("amount", amount.String()).
		Msg("wallet credited")
	return nil
}

// GetWallet retrieves a single balance row.
func (s *Service) GetWallet(userID, currency string) (*types.Wallet, error) {
	return s.db.GetWallet(userID, currency)
}

// GetUserWallets retrieves all balances for a user.
func (s *Service) GetUserWallets(userID string) ([]types.Wallet, error) {
	return s.db.GetUserWallets(userID)
}

// GinHandlers contains HTTP handlers for wallet endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetWalletsHandler handles GET requests for the caller's balances
func (h *GinHandlers) GetWalletsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		wallets, err := h.service.GetUserWallets(userID)
		response.Handle(c, wallets, err)
	}
}

// CreditHandler handles internal POST requests to top up a wallet on behalf
// of the surrounding payment application
func (h *GinHandlers) CreditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			UserID   string          `json:"user_id" binding:"required"`
			Currency string          `json:"currency" binding:"required"`
			Amount   decimal.Decimal `json:"amount" binding:"required"`
		}

		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.Credit(request.UserID, request.Currency, request.Amount); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "wallet credited successfully"})
	}
}
