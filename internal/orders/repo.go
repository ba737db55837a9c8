package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/payment-reconciler/pkg/db"
	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order, checkout *models.Checkout) error {
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	if order.Status != "" && order.Status != enums.OrderStatusPendingVerification {
		return pkgerrors.New(pkgerrors.CodeValidation, "orders are created in pending_verification")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "order reference already exists")
			}
			return err
		}
		if checkout == nil {
			return nil
		}
		checkout.OrderID = order.ID
		if err := tx.Create(checkout).Error; err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "checkout already recorded")
			}
			return err
		}
		order.Checkout = checkout
		return nil
	})
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Checkout").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListCandidates returns pending orders oldest first. Orders past the expiry
// ceiling are included so the verifier can expire them.
func (r *repository) ListCandidates(ctx context.Context, limit int) ([]models.Order, error) {
	var out []models.Order
	query := r.db.WithContext(ctx).
		Where("status = ?", enums.OrderStatusPendingVerification).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LockOrder reads the order under SELECT ... FOR UPDATE. Must run inside a transaction.
func (r *repository) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindCheckoutByOrder(ctx context.Context, orderID uuid.UUID) (*models.Checkout, error) {
	var checkout models.Checkout
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&checkout).Error
	if err != nil {
		return nil, err
	}
	return &checkout, nil
}

// ApplyTransition moves a pending order to its next status. The WHERE guard on
// the current status makes the write exactly-once even without a row lock.
func (r *repository) ApplyTransition(ctx context.Context, id uuid.UUID, to enums.OrderStatus, note string, at time.Time) error {
	if err := ValidateTransition(enums.OrderStatusPendingVerification, to); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, enums.OrderStatusPendingVerification).
		Updates(map[string]any{
			"status":     to,
			"notes":      gorm.Expr("notes || ?", note),
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionConflict
	}
	return nil
}

// AppendNote adds an audit line to a still-pending order.
func (r *repository) AppendNote(ctx context.Context, id uuid.UUID, note string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, enums.OrderStatusPendingVerification).
		Updates(map[string]any{
			"notes":      gorm.Expr("notes || ?", note),
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionConflict
	}
	return nil
}

func (r *repository) UpdateCheckoutSnapshot(ctx context.Context, checkoutID uuid.UUID, status enums.GatewayStatus, polledAt time.Time) error {
	polled := polledAt.UTC()
	return r.db.WithContext(ctx).
		Model(&models.Checkout{}).
		Where("id = ?", checkoutID).
		Updates(map[string]any{
			"gateway_status": status,
			"last_polled_at": &polled,
			"updated_at":     polled,
		}).Error
}

// IsNotFound reports whether err is a missing-row error from the ledger.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
