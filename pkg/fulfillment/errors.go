package fulfillment

import "errors"

// Error values returned by the fulfillment components.
var (
	ErrOrderNotFound             = errors.New("order not found")
	ErrInvalidTransition         = errors.New("invalid order status transition")
	ErrConcurrentUpdate          = errors.New("concurrent order update")
	ErrDuplicatePaymentReference = errors.New("duplicate payment reference")
	ErrProvider                  = errors.New("provider error")
	ErrUnderpayment              = errors.New("underpayment")
	ErrPollTimeout               = errors.New("poll attempts exhausted")
	ErrUnknownListing            = errors.New("service not offered for country")
	ErrBelowMinimumFunding       = errors.New("amount below minimum funding")
	ErrInvalidOrder              = errors.New("invalid order")
	ErrInvalidServiceConfig      = errors.New("invalid fulfillment config")
	ErrNotOrderOwner             = errors.New("order belongs to another user")
)
