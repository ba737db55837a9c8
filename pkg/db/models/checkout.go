package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
)

// Checkout is the local record of one gateway payment attempt for an order.
// A nil MerchantID means the payment was taken on the platform account.
type Checkout struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       uuid.UUID           `gorm:"column:order_id;type:uuid;not null;uniqueIndex"`
	ExternalID    string              `gorm:"column:external_id;type:text;not null;uniqueIndex"`
	MerchantID    *string             `gorm:"column:merchant_id;type:text;index"`
	AmountMinor   int64               `gorm:"column:amount_minor;not null"`
	Currency      enums.Currency      `gorm:"column:currency;type:text;not null"`
	GatewayStatus enums.GatewayStatus `gorm:"column:gateway_status;type:text;not null;default:'pending'"`
	LastPolledAt  *time.Time          `gorm:"column:last_polled_at"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (Checkout) TableName() string { return "checkouts" }

func (c *Checkout) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.GatewayStatus == "" {
		c.GatewayStatus = enums.GatewayStatusPending
	}
	return nil
}

// Merchant returns the owning merchant id or "" for platform payments.
func (c Checkout) Merchant() string {
	if c.MerchantID == nil {
		return ""
	}
	return *c.MerchantID
}
