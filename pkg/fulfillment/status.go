package fulfillment

import (
	"fmt"
	"strings"
)

// OrderStatus is the payment_status column of an order.
type OrderStatus string

const (
	StatusPending                    OrderStatus = "pending"
	StatusPaid                       OrderStatus = "paid"
	StatusActive                     OrderStatus = "active"
	StatusCompleted                  OrderStatus = "completed"
	StatusRefunded                   OrderStatus = "refunded"
	StatusFailed                     OrderStatus = "failed"
	StatusManualInterventionRequired OrderStatus = "manual_intervention_required"
	StatusCancelled                  OrderStatus = "cancelled"
)

var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:                    {StatusPaid, StatusFailed, StatusCancelled},
	StatusPaid:                       {StatusActive, StatusManualInterventionRequired, StatusRefunded},
	StatusActive:                     {StatusCompleted, StatusRefunded},
	StatusManualInterventionRequired: {StatusRefunded},
}

// ParseOrderStatus validates a stored status.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(raw))
	switch status {
	case StatusPending, StatusPaid, StatusActive, StatusCompleted, StatusRefunded,
		StatusFailed, StatusManualInterventionRequired, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, raw)
	}
}

// String returns the stored representation.
func (status OrderStatus) String() string {
	return string(status)
}

// Terminal reports whether no transition leaves status.
func (status OrderStatus) Terminal() bool {
	return len(allowedTransitions[status]) == 0
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from OrderStatus, to OrderStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// refundable covers the table plus the compensation path: a debited order that never
// got a number may be refunded from pending, failed or cancelled as well.
func refundable(status OrderStatus) bool {
	switch status {
	case StatusPending, StatusFailed, StatusCancelled:
		return true
	default:
		return CanTransition(status, StatusRefunded)
	}
}

// ProviderStatus is the normalized state of an order at the SMS provider.
type ProviderStatus int

const (
	ProviderStatusUnknown ProviderStatus = iota
	ProviderStatusAwaitingCode
	ProviderStatusCompleted
	ProviderStatusRefunded
)

// ParseProviderStatus maps the provider's numeric or textual status. Every code path that
// reads a provider status goes through here.
func ParseProviderStatus(raw string) ProviderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "2", "6", "refunded", "expired":
		return ProviderStatusRefunded
	case "3", "completed":
		return ProviderStatusCompleted
	case "1", "pending":
		return ProviderStatusAwaitingCode
	default:
		return ProviderStatusUnknown
	}
}

func (status ProviderStatus) String() string {
	switch status {
	case ProviderStatusAwaitingCode:
		return "awaiting_code"
	case ProviderStatusCompleted:
		return "completed"
	case ProviderStatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}
