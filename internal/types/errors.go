package types

import "errors"

// Domain error taxonomy. Services wrap these with fmt.Errorf("%w: ...") to
// attach detail; pkg/response maps them to HTTP status codes.
var (
	// ErrValidation rejects malformed input before any reservation is attempted.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds means a reservation was denied; no order is created.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnauthorized means the caller does not own the resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means an unknown order or reservation id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the operation is not valid for the row's current
	// status, e.g. cancelling a terminal order.
	ErrInvalidState = errors.New("invalid state")

	// ErrConcurrencyConflict means a matching or pricing step lost a race on a
	// row. It is retried internally a bounded number of times before being
	// surfaced as a transient failure.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInsufficientLiquidity means a market order cannot be filled within
	// its slippage bound. The fillable portion still executes.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)
