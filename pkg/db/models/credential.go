package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PlatformOwnerKey identifies the platform-level fallback credential.
const PlatformOwnerKey = "platform"

// Credential is an OAuth grant for a merchant, or the platform fallback when
// MerchantID is nil. Token columns hold sealed values.
type Credential struct {
	ID               uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	OwnerKey         string     `gorm:"column:owner_key;type:text;not null;uniqueIndex"`
	MerchantID       *string    `gorm:"column:merchant_id;type:text"`
	AccessToken      string     `gorm:"column:access_token;type:text;not null"`
	RefreshToken     string     `gorm:"column:refresh_token;type:text;not null"`
	ExpiresAt        time.Time  `gorm:"column:expires_at;not null"`
	Connected        bool       `gorm:"column:connected;not null;default:true"`
	RefreshedAt      *time.Time `gorm:"column:refreshed_at"`
	LastRefreshError *string    `gorm:"column:last_refresh_error;type:text"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Credential) TableName() string { return "credentials" }

func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// OwnerKeyFor maps an optional merchant id onto the credential owner key.
func OwnerKeyFor(merchantID string) string {
	if merchantID == "" {
		return PlatformOwnerKey
	}
	return "merchant:" + merchantID
}
