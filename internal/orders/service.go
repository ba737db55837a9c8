package orders

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
)

type pendingMarker struct {
	repo Repository
	now  func() time.Time
}

// NewPendingMarker builds the redirect-side capability over the ledger.
func NewPendingMarker(repo Repository) (PendingMarker, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repository required")
	}
	return &pendingMarker{repo: repo, now: time.Now}, nil
}

// MarkPendingVerification records that the customer came back from the
// gateway. Orders are born pending, so this only annotates them; terminal
// orders are returned untouched.
func (m *pendingMarker) MarkPendingVerification(ctx context.Context, orderID uuid.UUID, note string) (enums.OrderStatus, error) {
	if orderID == uuid.Nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if note == "" {
		note = "customer returned from gateway"
	}
	err := m.repo.AppendNote(ctx, orderID, FormatNote(m.now(), "%s; awaiting verification", note), m.now())
	if err == nil {
		return enums.OrderStatusPendingVerification, nil
	}
	if err != ErrTransitionConflict {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "annotate order")
	}

	order, findErr := m.repo.FindByID(ctx, orderID)
	if findErr != nil {
		if IsNotFound(findErr) {
			return "", pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "load order")
	}
	return order.Status, nil
}
