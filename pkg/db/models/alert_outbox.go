package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
)

// AlertOutbox is an operator alert written in the same transaction as the
// order change that caused it. It stays undelivered until a send succeeds.
type AlertOutbox struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderID       *uuid.UUID          `gorm:"column:order_id;type:uuid;index"`
	Class         enums.AlertClass    `gorm:"column:class;type:text;not null"`
	Severity      enums.AlertSeverity `gorm:"column:severity;type:text;not null"`
	DedupeKey     string              `gorm:"column:dedupe_key;type:text;not null"`
	Summary       string              `gorm:"column:summary;type:text;not null"`
	CycleID       string              `gorm:"column:cycle_id;type:text;not null;default:''"`
	Details       json.RawMessage     `gorm:"column:details;type:jsonb"`
	AttemptCount  int                 `gorm:"column:attempt_count;not null;default:0"`
	LastError     *string             `gorm:"column:last_error"`
	NextAttemptAt time.Time           `gorm:"column:next_attempt_at;not null;index"`
	DeliveredAt   *time.Time          `gorm:"column:delivered_at"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
}

func (AlertOutbox) TableName() string { return "alert_outbox" }

func (a *AlertOutbox) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
