package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/metrics"
	"github.com/angelmondragon/payment-reconciler/pkg/redis"
)

// DefaultCooldown is how long a dedupe key suppresses repeats.
const DefaultCooldown = time.Hour

type keyBuilder interface {
	AlertDedupeKey(dedupeKey string) string
}

// Raiser is the alerting surface the reconciler depends on.
type Raiser interface {
	Raise(ctx context.Context, alert Alert) (Result, error)
}

// DispatcherParams wires the alert dispatcher.
type DispatcherParams struct {
	Store              redis.MarkerStore
	Keys               keyBuilder
	Notifier           Notifier
	Cooldown           time.Duration
	CriticalRecipients []string
	WarningRecipients  []string
	Logger             *logger.Logger
	Metrics            *metrics.ReconcileMetrics
}

// Dispatcher sends alerts at most once per dedupe key per cooldown window.
type Dispatcher struct {
	store      redis.MarkerStore
	keys       keyBuilder
	notifier   Notifier
	cooldown   time.Duration
	recipients map[enums.AlertSeverity][]string
	logg       *logger.Logger
	metrics    *metrics.ReconcileMetrics
	now        func() time.Time
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("dedupe store required")
	}
	if params.Keys == nil {
		return nil, fmt.Errorf("dedupe key builder required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	cooldown := params.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	critical := cleanRecipients(params.CriticalRecipients)
	warning := cleanRecipients(params.WarningRecipients)
	if len(critical) == 0 {
		return nil, fmt.Errorf("at least one critical recipient required")
	}
	if len(warning) == 0 {
		warning = critical
	}
	return &Dispatcher{
		store:    params.Store,
		keys:     params.Keys,
		notifier: params.Notifier,
		cooldown: cooldown,
		recipients: map[enums.AlertSeverity][]string{
			enums.AlertSeverityCritical: critical,
			enums.AlertSeverityWarning:  warning,
		},
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     time.Now,
	}, nil
}

// Raise claims the dedupe key for the cooldown window and notifies the
// recipients for the alert's severity. A failed send releases the key so the
// next cycle can try again.
func (d *Dispatcher) Raise(ctx context.Context, alert Alert) (Result, error) {
	if strings.TrimSpace(alert.DedupeKey) == "" {
		return ResultFailed, pkgerrors.New(pkgerrors.CodeValidation, "alert dedupe key required")
	}
	recipients, ok := d.recipients[alert.Severity]
	if !ok {
		return ResultFailed, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown alert severity %q", alert.Severity))
	}

	now := d.now().UTC()
	key := d.keys.AlertDedupeKey(alert.DedupeKey)
	ctx = d.logg.WithFields(ctx, map[string]any{
		"alert_class": string(alert.Class),
		"severity":    string(alert.Severity),
		"dedupe_key":  alert.DedupeKey,
	})

	claimed, err := d.store.SetNX(ctx, key, now.Format(time.RFC3339), d.cooldown)
	if err != nil {
		// fail open: send without dedupe
		d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "alert dedupe unavailable; sending anyway")
		claimed = true
	}
	if !claimed {
		lastSent, _ := d.store.Get(ctx, key)
		d.logg.Info(d.logg.WithField(ctx, "last_sent_at", lastSent), "alert suppressed within cooldown")
		d.metrics.IncAlert(string(alert.Class), string(ResultSuppressed))
		return ResultSuppressed, nil
	}

	subject := alert.subject()
	body := alert.body(now)
	var sendErr error
	delivered := 0
	for _, recipient := range recipients {
		if err := d.notifier.Notify(ctx, recipient, subject, body); err != nil {
			sendErr = multierr.Append(sendErr, fmt.Errorf("notify %s: %w", recipient, err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		if delErr := d.store.Del(ctx, key); delErr != nil {
			sendErr = multierr.Append(sendErr, delErr)
		}
		d.metrics.IncAlert(string(alert.Class), string(ResultFailed))
		d.logg.Error(ctx, "alert delivery failed", sendErr)
		return ResultFailed, pkgerrors.Wrap(pkgerrors.CodeDependency, sendErr, "deliver alert")
	}
	if sendErr != nil {
		d.logg.Warn(d.logg.WithField(ctx, "error", sendErr.Error()), "alert partially delivered")
	}
	d.metrics.IncAlert(string(alert.Class), string(ResultSent))
	d.logg.Info(d.logg.WithField(ctx, "recipients", len(recipients)), "alert sent")
	return ResultSent, nil
}

func cleanRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if trimmed := strings.TrimSpace(r); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

