package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
)

// Order is a customer's purchase intent awaiting payment verification.
// TotalMinor and Currency are fixed at creation.
type Order struct {
	ID         uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	Reference  string            `gorm:"column:reference;type:text;not null;uniqueIndex"`
	TotalMinor int64             `gorm:"column:total_minor;not null"`
	Currency   enums.Currency    `gorm:"column:currency;type:text;not null"`
	Status     enums.OrderStatus `gorm:"column:status;type:text;not null;default:'pending_verification';index"`
	Notes      string            `gorm:"column:notes;type:text;not null;default:''"`
	Checkout   *Checkout         `gorm:"foreignKey:OrderID;constraint:OnDelete:RESTRICT"`
	CreatedAt  time.Time         `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt  time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = enums.OrderStatusPendingVerification
	}
	return nil
}

// Age reports how long the order has existed relative to now.
func (o Order) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}
