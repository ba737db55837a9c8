package enums

// AlertSeverity drives recipients and urgency framing of operator alerts.
type AlertSeverity string

const (
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// String implements fmt.Stringer.
func (s AlertSeverity) String() string {
	return string(s)
}

// AlertClass names the anomaly an alert reports.
type AlertClass string

const (
	AlertClassAmountMismatch     AlertClass = "amount_mismatch"
	AlertClassMissingCheckout    AlertClass = "missing_checkout"
	AlertClassStaleOrder         AlertClass = "stale_order"
	AlertClassStuckOrder         AlertClass = "stuck_order"
	AlertClassAuthFailure        AlertClass = "auth_failure"
	AlertClassFulfillmentFailure AlertClass = "fulfillment_failure"
	AlertClassLedgerUnavailable  AlertClass = "ledger_unavailable"
)

// String implements fmt.Stringer.
func (c AlertClass) String() string {
	return string(c)
}
