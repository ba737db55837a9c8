package credentials

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
)

// Repository persists OAuth grants keyed by owner.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByOwner(ctx context.Context, ownerKey string) (*models.Credential, error)
	LockByOwner(ctx context.Context, ownerKey string) (*models.Credential, error)
	Upsert(ctx context.Context, cred *models.Credential) error
	UpdateTokens(ctx context.Context, ownerKey, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error
	RecordRefreshError(ctx context.Context, ownerKey, message string) error
	Disconnect(ctx context.Context, ownerKey string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a credentials repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByOwner(ctx context.Context, ownerKey string) (*models.Credential, error) {
	var cred models.Credential
	if err := r.db.WithContext(ctx).Where("owner_key = ?", ownerKey).First(&cred).Error; err != nil {
		return nil, err
	}
	return &cred, nil
}

func (r *repository) LockByOwner(ctx context.Context, ownerKey string) (*models.Credential, error) {
	var cred models.Credential
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_key = ?", ownerKey).
		First(&cred).Error
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Upsert stores a freshly connected grant, replacing any previous one for the owner.
func (r *repository) Upsert(ctx context.Context, cred *models.Credential) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"merchant_id", "access_token", "refresh_token", "expires_at",
				"connected", "refreshed_at", "last_refresh_error", "updated_at",
			}),
		}).
		Create(cred).Error
}

// UpdateTokens writes a refreshed pair in one statement so the old refresh
// token is only replaced once the new one is durable.
func (r *repository) UpdateTokens(ctx context.Context, ownerKey, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("owner_key = ?", ownerKey).
		Updates(map[string]any{
			"access_token":       accessToken,
			"refresh_token":      refreshToken,
			"expires_at":         expiresAt.UTC(),
			"refreshed_at":       refreshedAt.UTC(),
			"last_refresh_error": nil,
			"updated_at":         refreshedAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RecordRefreshError only touches the diagnostic column.
func (r *repository) RecordRefreshError(ctx context.Context, ownerKey, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("owner_key = ?", ownerKey).
		Update("last_refresh_error", message).Error
}

func (r *repository) Disconnect(ctx context.Context, ownerKey string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("owner_key = ?", ownerKey).
		Updates(map[string]any{
			"connected":     false,
			"access_token":  "",
			"refresh_token": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
