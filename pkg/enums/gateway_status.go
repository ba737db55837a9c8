package enums

import "strings"

// GatewayStatus is the normalized checkout state reported by the payment gateway.
type GatewayStatus string

const (
	GatewayStatusPaid      GatewayStatus = "paid"
	GatewayStatusPending   GatewayStatus = "pending"
	GatewayStatusFailed    GatewayStatus = "failed"
	GatewayStatusCancelled GatewayStatus = "cancelled"
	GatewayStatusUnknown   GatewayStatus = "unknown"
)

// String implements fmt.Stringer.
func (g GatewayStatus) String() string {
	return string(g)
}

// IsDefinitiveFailure reports whether the gateway will never settle this checkout.
func (g GatewayStatus) IsDefinitiveFailure() bool {
	return g == GatewayStatusFailed || g == GatewayStatusCancelled
}

// IsInconclusive reports whether the checkout may still settle later.
func (g GatewayStatus) IsInconclusive() bool {
	return g == GatewayStatusPending || g == GatewayStatusUnknown
}

// GatewayStatusFromSquare maps a Square payment status onto the checkout contract.
func GatewayStatusFromSquare(raw string) GatewayStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED":
		return GatewayStatusPaid
	case "APPROVED", "PENDING":
		return GatewayStatusPending
	case "FAILED":
		return GatewayStatusFailed
	case "CANCELED", "CANCELLED":
		return GatewayStatusCancelled
	default:
		return GatewayStatusUnknown
	}
}
