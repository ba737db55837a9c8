package orders

import (
	"fmt"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
)

// ErrTransitionConflict is returned when the guarded update finds the order
// already moved out of pending_verification.
var ErrTransitionConflict = pkgerrors.New(pkgerrors.CodeStateConflict, "order is no longer pending verification")

// ValidateTransition rejects every edge that is not part of the order state machine.
func ValidateTransition(from, to enums.OrderStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown order status %q -> %q", from, to))
	}
	if from.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order status %s is terminal", from))
	}
	if !from.CanTransitionTo(to) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	return nil
}

// Apply returns the status after attempting from -> to; illegal edges leave it unchanged.
func Apply(from, to enums.OrderStatus) enums.OrderStatus {
	if err := ValidateTransition(from, to); err != nil {
		return from
	}
	return to
}
