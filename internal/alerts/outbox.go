package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/metrics"
)

const (
	defaultOutboxBatch       = 50
	defaultOutboxMaxAttempts = 20
	outboxBaseBackoff        = 30 * time.Second
	outboxMaxBackoff         = 30 * time.Minute
	// claimLease keeps a row away from other senders while one is delivering it.
	claimLease = 2 * time.Minute
)

// OutboxParams wires the durable alert queue.
type OutboxParams struct {
	DB          *gorm.DB
	Raiser      Raiser
	BatchSize   int
	MaxAttempts int
	Logger      *logger.Logger
	Metrics     *metrics.ReconcileMetrics
}

// Outbox makes alerts survive a failed send. Alerts are written inside the
// caller's transaction, delivered right after commit when possible, and
// otherwise retried with backoff by Drain.
type Outbox struct {
	db          *gorm.DB
	raiser      Raiser
	batch       int
	maxAttempts int
	logg        *logger.Logger
	metrics     *metrics.ReconcileMetrics
	now         func() time.Time
}

// DrainSummary reports one Drain pass.
type DrainSummary struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

func NewOutbox(params OutboxParams) (*Outbox, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Raiser == nil {
		return nil, fmt.Errorf("alert raiser required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultOutboxBatch
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultOutboxMaxAttempts
	}
	return &Outbox{
		db:          params.DB,
		raiser:      params.Raiser,
		batch:       batch,
		maxAttempts: maxAttempts,
		logg:        params.Logger,
		metrics:     params.Metrics,
		now:         time.Now,
	}, nil
}

// Enqueue records alert inside tx. Nothing is sent until the transaction commits.
func (o *Outbox) Enqueue(ctx context.Context, tx *gorm.DB, alert Alert) (uuid.UUID, error) {
	if tx == nil {
		return uuid.Nil, fmt.Errorf("transaction required")
	}
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode alert details: %w", err)
	}
	row := models.AlertOutbox{
		Class:         alert.Class,
		Severity:      alert.Severity,
		DedupeKey:     alert.DedupeKey,
		Summary:       alert.Summary,
		CycleID:       alert.CycleID,
		Details:       details,
		NextAttemptAt: o.now().UTC(),
	}
	if alert.OrderID != uuid.Nil {
		orderID := alert.OrderID
		row.OrderID = &orderID
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, fmt.Errorf("queue alert: %w", err)
	}
	return row.ID, nil
}

// Deliver tries to send the given queued alerts now. Rows that fail stay
// queued for Drain.
func (o *Outbox) Deliver(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	var rows []models.AlertOutbox
	err := o.db.WithContext(ctx).
		Where("id IN ? AND delivered_at IS NULL", ids).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("load queued alerts: %w", err)
	}
	var errs error
	for _, row := range rows {
		if _, err := o.send(ctx, row); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Drain sends every due alert, oldest first, up to the batch size.
func (o *Outbox) Drain(ctx context.Context) (DrainSummary, error) {
	var summary DrainSummary
	var rows []models.AlertOutbox
	err := o.db.WithContext(ctx).
		Where("delivered_at IS NULL AND next_attempt_at <= ? AND attempt_count < ?", o.now().UTC(), o.maxAttempts).
		Order("next_attempt_at ASC").
		Order("created_at ASC").
		Limit(o.batch).
		Find(&rows).Error
	if err != nil {
		return summary, fmt.Errorf("load due alerts: %w", err)
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		delivered, err := o.send(ctx, row)
		switch {
		case delivered:
			summary.Delivered++
		case err != nil && row.AttemptCount+1 >= o.maxAttempts:
			summary.Abandoned++
		case err != nil:
			summary.Failed++
		}
	}
	return summary, nil
}

// Purge deletes alerts delivered before cutoff.
func (o *Outbox) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := o.db.WithContext(ctx).
		Where("delivered_at IS NOT NULL AND delivered_at < ?", cutoff.UTC()).
		Delete(&models.AlertOutbox{})
	return res.RowsAffected, res.Error
}

// send claims row, raises it and records the result. A row another sender
// holds is skipped without error.
func (o *Outbox) send(ctx context.Context, row models.AlertOutbox) (bool, error) {
	now := o.now().UTC()
	claimed, err := o.claim(ctx, row.ID, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	alert, err := alertFromRow(row)
	if err == nil {
		_, err = o.raiser.Raise(ctx, alert)
	}
	if err != nil {
		attempts := row.AttemptCount + 1
		next := now.Add(backoffFor(attempts))
		if markErr := o.markFailed(ctx, row.ID, attempts, next, err); markErr != nil {
			err = multierr.Append(err, markErr)
		}
		logCtx := o.logg.WithFields(ctx, map[string]any{
			"alert_id":    row.ID.String(),
			"alert_class": string(row.Class),
			"attempts":    attempts,
		})
		if attempts >= o.maxAttempts {
			o.metrics.IncAlert(string(row.Class), "abandoned")
			o.logg.Error(logCtx, "alert abandoned after repeated delivery failures", err)
		} else {
			o.logg.Warn(o.logg.WithField(logCtx, "next_attempt_at", next), "alert delivery deferred")
		}
		return false, err
	}

	if err := o.db.WithContext(ctx).
		Model(&models.AlertOutbox{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{"delivered_at": now, "last_error": nil}).Error; err != nil {
		return true, fmt.Errorf("mark alert delivered: %w", err)
	}
	return true, nil
}

func (o *Outbox) claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := o.db.WithContext(ctx).
		Model(&models.AlertOutbox{}).
		Where("id = ? AND delivered_at IS NULL AND next_attempt_at <= ?", id, now).
		Update("next_attempt_at", now.Add(claimLease))
	if res.Error != nil {
		return false, fmt.Errorf("claim alert: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (o *Outbox) markFailed(ctx context.Context, id uuid.UUID, attempts int, next time.Time, cause error) error {
	msg := cause.Error()
	return o.db.WithContext(ctx).
		Model(&models.AlertOutbox{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count":   attempts,
			"next_attempt_at": next,
			"last_error":      msg,
		}).Error
}

func alertFromRow(row models.AlertOutbox) (Alert, error) {
	alert := Alert{
		Class:     row.Class,
		Severity:  row.Severity,
		DedupeKey: row.DedupeKey,
		Summary:   row.Summary,
		CycleID:   row.CycleID,
	}
	if row.OrderID != nil {
		alert.OrderID = *row.OrderID
	}
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &alert.Details); err != nil {
			return alert, fmt.Errorf("decode alert details: %w", err)
		}
	}
	return alert, nil
}

func backoffFor(attempts int) time.Duration {
	backoff := outboxBaseBackoff
	for i := 1; i < attempts && backoff < outboxMaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > outboxMaxBackoff {
		backoff = outboxMaxBackoff
	}
	return backoff
}
