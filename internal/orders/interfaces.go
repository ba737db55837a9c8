package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
)

// Repository is the order ledger: persisted orders and checkouts plus the
// guarded state transitions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order, checkout *models.Checkout) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListCandidates(ctx context.Context, limit int) ([]models.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindCheckoutByOrder(ctx context.Context, orderID uuid.UUID) (*models.Checkout, error)
	ApplyTransition(ctx context.Context, id uuid.UUID, to enums.OrderStatus, note string, at time.Time) error
	AppendNote(ctx context.Context, id uuid.UUID, note string, at time.Time) error
	UpdateCheckoutSnapshot(ctx context.Context, checkoutID uuid.UUID, status enums.GatewayStatus, polledAt time.Time) error
}

// PendingMarker is the only capability handed to inbound redirect handlers.
// It can re-assert pending_verification and leave a note; it cannot reach
// any terminal status.
type PendingMarker interface {
	MarkPendingVerification(ctx context.Context, orderID uuid.UUID, note string) (enums.OrderStatus, error)
}
