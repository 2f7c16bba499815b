package wallet

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database wraps a *gorm.DB handle, which may be a transaction. Settlement
// runs wallet mutations inside its own transaction by constructing a
// Database over the tx handle.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetWallet retrieves a single wallet row.
func (d *Database) GetWallet(userID, currency string) (*types.Wallet, error) {
	var w types.Wallet
	if err := d.db.Where("user_id = ? AND currency = ?", userID, currency).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetUserWallets retrieves all wallets for a user.
func (d *Database) GetUserWallets(userID string) ([]types.Wallet, error) {
	var wallets []types.Wallet
	if err := d.db.Where("user_id = ?", userID).Order("currency ASC").Find(&wallets).Error; err != nil {
		return nil, err
	}
	return wallets, nil
}

// GetReservation retrieves a reservation by its id.
func (d *Database) GetReservation(reservationID string) (*types.FundReservation, error) {
	var r types.FundReservation
	if err := d.db.Where("reservation_id = ?", reservationID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// GetActiveReservationByOrder retrieves the single active reservation backing
// an open order.
func (d *Database) GetActiveReservationByOrder(orderID string) (*types.FundReservation, error) {
	var r types.FundReservation
	err := d.db.Where("order_id = ? AND status = ?", orderID, types.ReservationStatusActive).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// Reserve atomically moves amount from available to reserved and creates an
// active FundReservation. The balance check and the debit are a single
// conditional UPDATE, so concurrent reservations on the same wallet can never
// overdraw it: the statement that finds available < amount affects zero rows.
func (d *Database) Reserve(userID, currency string, amount decimal.Decimal, orderID string) (*types.FundReservation, error) {
	res := d.db.Model(&types.Wallet{}).
		Where("user_id = ? AND currency = ? AND available >= ?", userID, currency, amount).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available - ?", amount),
			"reserved":   gorm.Expr("reserved + ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, types.ErrInsufficientFunds
	}

	reservation := &types.FundReservation{
		ReservationID: "RSV_" + uuid.New().String(),
		OrderID:       orderID,
		UserID:        userID,
		Currency:      currency,
		Amount:        amount,
		Status:        types.ReservationStatusActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := d.db.Create(reservation).Error; err != nil {
		return nil, err
	}
	return reservation, nil
}

// Release returns the full remaining amount of an active reservation to the
// wallet's available balance. Only one caller can win the ACTIVE -> RELEASED
// transition, so releasing twice is a no-op surfaced as ErrInvalidState and
// funds are never double-credited.
func (d *Database) Release(reservationID string) (decimal.Decimal, error) {
	r, err := d.GetReservation(reservationID)
	if err != nil {
		return decimal.Zero, err
	}

	res := d.db.Model(&types.FundReservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, types.ReservationStatusActive).
		Updates(map[string]interface{}{
			"status":     types.ReservationStatusReleased,
			"amount":     decimal.Zero,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, types.ErrInvalidState
	}

	if err := d.creditReserved(r.UserID, r.Currency, r.Amount, true); err != nil {
		return decimal.Zero, err
	}
	return r.Amount, nil
}

// ReduceReservation moves amount from reserved back to available without
// closing the reservation. Used for the buy-side price improvement when a
// trade settles below the order's limit price.
func (d *Database) ReduceReservation(reservationID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	r, err := d.GetReservation(reservationID)
	if err != nil {
		return err
	}

	res := d.db.Model(&types.FundReservation{}).
		Where("reservation_id = ? AND status = ? AND amount >= ?",
			reservationID, types.ReservationStatusActive, amount).
		Updates(map[string]interface{}{
			"amount":     gorm.Expr("amount - ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrConcurrencyConflict
	}

	return d.creditReserved(r.UserID, r.Currency, amount, true)
}

// Consume removes amount from the reservation and from the wallet's reserved
// balance without returning it to available: the funds have left the wallet
// to the counterparty. When the reservation's remaining amount reaches zero
// it is marked consumed.
func (d *Database) Consume(reservationID string, amount decimal.Decimal) error {
	r, err := d.GetReservation(reservationID)
	if err != nil {
		return err
	}
	if r.Status != types.ReservationStatusActive {
		return types.ErrInvalidState
	}

	res := d.db.Model(&types.FundReservation{}).
		Where("reservation_id = ? AND status = ? AND amount >= ?",
			reservationID, types.ReservationStatusActive, amount).
		Updates(map[string]interface{}{
			"amount":     gorm.Expr("amount - ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrConcurrencyConflict
	}

	if err := d.creditReserved(r.UserID, r.Currency, amount, false); err != nil {
		return err
	}

	// Close the reservation once fully consumed.
	var updated types.FundReservation
	if err := d.db.Where("reservation_id = ?", reservationID).First(&updated).Error; err != nil {
		return err
	}
	if updated.Amount.IsZero() {
		return d.db.Model(&types.FundReservation{}).
			Where("reservation_id = ?", reservationID).
			Updates(map[string]interface{}{
				"status":     types.ReservationStatusConsumed,
				"updated_at": time.Now(),
			}).Error
	}
	return nil
}

// Credit adds amount to a wallet's available balance, creating the wallet row
// on first use. This is how settlement proceeds and external top-ups enter
// the ledger.
func (d *Database) Credit(userID, currency string, amount decimal.Decimal) error {
	res := d.db.Model(&types.Wallet{}).
		Where("user_id = ? AND currency = ?", userID, currency).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available + ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	w := &types.Wallet{
		UserID:    userID,
		Currency:  currency,
		Available: amount,
		Reserved:  decimal.Zero,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return d.db.Create(w).Error
}

// creditReserved decrements a wallet's reserved balance and, when
// backToAvailable is set, returns the same amount to available.
func (d *Database) creditReserved(userID, currency string, amount decimal.Decimal, backToAvailable bool) error {
	updates := map[string]interface{}{
		"reserved":   gorm.Expr("reserved - ?", amount),
		"updated_at": time.Now(),
	}
	if backToAvailable {
		updates["available"] = gorm.Expr("available + ?", amount)
	}

	res := d.db.Model(&types.Wallet{}).
		Where("user_id = ? AND currency = ? AND reserved >= ?", userID, currency, amount).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Reserved can only fall below a hold's amount if ledger state was
		// mutated outside the reservation manager.
		return types.ErrConcurrencyConflict
	}
	return nil
}
