package enums

// VerificationOutcome is what a single verifier pass did to an order.
type VerificationOutcome string

const (
	OutcomeCompleted    VerificationOutcome = "completed"
	OutcomeFailed       VerificationOutcome = "failed"
	OutcomeExpired      VerificationOutcome = "expired"
	OutcomeManualReview VerificationOutcome = "requires_manual_review"
	OutcomeStillPending VerificationOutcome = "still_pending"
	OutcomeSkipped      VerificationOutcome = "skipped"
	OutcomeError        VerificationOutcome = "error"
)

// String implements fmt.Stringer.
func (o VerificationOutcome) String() string {
	return string(o)
}

// TargetStatus returns the order status an outcome writes, if any.
func (o VerificationOutcome) TargetStatus() (OrderStatus, bool) {
	switch o {
	case OutcomeCompleted:
		return OrderStatusCompleted, true
	case OutcomeFailed:
		return OrderStatusFailed, true
	case OutcomeExpired:
		return OrderStatusExpired, true
	case OutcomeManualReview:
		return OrderStatusRequiresManualReview, true
	default:
		return "", false
	}
}
