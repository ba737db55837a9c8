package enums

import "fmt"

// OrderStatus tracks where an order sits in the payment verification lifecycle.
type OrderStatus string

const (
	OrderStatusPendingVerification  OrderStatus = "pending_verification"
	OrderStatusCompleted            OrderStatus = "completed"
	OrderStatusFailed               OrderStatus = "failed"
	OrderStatusExpired              OrderStatus = "expired"
	OrderStatusRequiresManualReview OrderStatus = "requires_manual_review"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPendingVerification,
	OrderStatusCompleted,
	OrderStatusFailed,
	OrderStatusExpired,
	OrderStatusRequiresManualReview,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusExpired, OrderStatusRequiresManualReview:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether from -> to is an edge of the state machine.
// The self-loop on pending_verification is the "still pending" no-op.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	if s != OrderStatusPendingVerification {
		return false
	}
	return to.IsValid()
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}

// AllOrderStatuses lists every known status in declaration order.
func AllOrderStatuses() []OrderStatus {
	out := make([]OrderStatus, len(validOrderStatuses))
	copy(out, validOrderStatuses)
	return out
}
