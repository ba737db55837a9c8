package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/payment-reconciler/internal/alerts"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

const defaultAlertOutboxRetention = 7 * 24 * time.Hour

type alertOutbox interface {
	Drain(ctx context.Context) (alerts.DrainSummary, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

type AlertOutboxJobParams struct {
	Logger    *logger.Logger
	Outbox    alertOutbox
	Retention time.Duration
}

// NewAlertOutboxJob retries alerts whose post-commit send failed and purges
// delivered rows past retention.
func NewAlertOutboxJob(params AlertOutboxJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("alert outbox required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultAlertOutboxRetention
	}
	return &alertOutboxJob{
		logg:      params.Logger,
		outbox:    params.Outbox,
		retention: retention,
		now:       time.Now,
	}, nil
}

type alertOutboxJob struct {
	logg      *logger.Logger
	outbox    alertOutbox
	retention time.Duration
	now       func() time.Time
}

func (j *alertOutboxJob) Name() string { return "alert-outbox" }

func (j *alertOutboxJob) Run(ctx context.Context) error {
	summary, err := j.outbox.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain alert outbox: %w", err)
	}
	cutoff := j.now().UTC().Add(-j.retention)
	purged, err := j.outbox.Purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge alert outbox: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"delivered":    summary.Delivered,
		"failed":       summary.Failed,
		"abandoned":    summary.Abandoned,
		"cutoff":       cutoff,
		"rows_deleted": purged,
	})
	if summary.Delivered+summary.Failed+summary.Abandoned+int(purged) == 0 {
		j.logg.Debug(logCtx, "alert outbox idle")
		return nil
	}
	j.logg.Info(logCtx, "alert outbox drained")
	return nil
}
