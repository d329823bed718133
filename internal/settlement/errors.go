package settlement

import (
	"errors"

	"github.com/atmx/world-exchange/internal/lock"
)

// Validation rejections. None of these are retried by the pipeline.
var (
	ErrOfferNotFound        = errors.New("settlement: offer not found")
	ErrOfferNotOpen         = errors.New("settlement: offer is not open")
	ErrOfferExpired         = errors.New("settlement: offer has expired")
	ErrInsufficientQuantity = errors.New("settlement: requested quantity exceeds remaining")
	ErrWorldRestricted      = errors.New("settlement: offer is restricted to another world")
	ErrBuyerNotFound        = errors.New("settlement: buyer not found")
	ErrInsufficientFunds    = errors.New("settlement: insufficient funds")
	ErrInvalidQuantity      = errors.New("settlement: quantity must be positive")
	ErrSelfTrade            = errors.New("settlement: buyer owns the offer")
	ErrIdempotencyConflict  = errors.New("settlement: idempotency key already used for another offer")

	ErrSellerNotFound   = errors.New("settlement: seller not found")
	ErrResourceNotFound = errors.New("settlement: resource not found")
	ErrWorldNotFound    = errors.New("settlement: world not found")
	ErrInvalidPrice     = errors.New("settlement: price must be positive")
)

// Concurrency conditions, re-exported so callers need not import lock.
var (
	ErrLockTimeout     = lock.ErrLockTimeout
	ErrLockUnavailable = lock.ErrLockUnavailable
)

// IsRetryable reports whether the caller may resubmit the same request,
// with the same idempotency key, and expect a different outcome.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// outcome maps a settlement error to a metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrOfferNotFound):
		return "offer_not_found"
	case errors.Is(err, ErrOfferNotOpen):
		return "offer_not_open"
	case errors.Is(err, ErrOfferExpired):
		return "offer_expired"
	case errors.Is(err, ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, ErrWorldRestricted):
		return "world_restricted"
	case errors.Is(err, ErrBuyerNotFound):
		return "buyer_not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrSelfTrade), errors.Is(err, ErrIdempotencyConflict):
		return "invalid_request"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrLockUnavailable):
		return "lock_unavailable"
	default:
		return "error"
	}
}
