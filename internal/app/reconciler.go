package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/payment-reconciler/internal/alerts"
	"github.com/angelmondragon/payment-reconciler/internal/credentials"
	"github.com/angelmondragon/payment-reconciler/internal/fulfillment"
	"github.com/angelmondragon/payment-reconciler/internal/orders"
	"github.com/angelmondragon/payment-reconciler/internal/reconcile"
	"github.com/angelmondragon/payment-reconciler/pkg/config"
	"github.com/angelmondragon/payment-reconciler/pkg/db"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/metrics"
	"github.com/angelmondragon/payment-reconciler/pkg/pubsub"
	"github.com/angelmondragon/payment-reconciler/pkg/redis"
	"github.com/angelmondragon/payment-reconciler/pkg/security"
	"github.com/angelmondragon/payment-reconciler/pkg/square"
)

// Params are the shared clients a process has already opened.
type Params struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      *redis.Client
	Registerer prometheus.Registerer
}

// Reconciler is the fully wired reconciliation stack shared by the worker
// and the API process.
type Reconciler struct {
	Coordinator *reconcile.Coordinator
	Credentials *credentials.Store
	Outbox      *alerts.Outbox
	Marker      orders.PendingMarker
	Metrics     *metrics.ReconcileMetrics

	closers []func() error
}

// NewReconciler wires gateway, credentials, alerts, fulfillment, verifier and
// coordinator over the given clients.
func NewReconciler(ctx context.Context, params Params) (*Reconciler, error) {
	cfg, logg := params.Config, params.Logger
	if cfg == nil || logg == nil || params.DB == nil || params.Redis == nil {
		return nil, fmt.Errorf("config, logger, db and redis are required")
	}
	r := &Reconciler{}
	if params.Registerer != nil {
		r.Metrics = metrics.NewReconcileMetrics(params.Registerer)
	}

	gateway, err := square.NewClient(ctx, cfg.Square, logg)
	if err != nil {
		return nil, fmt.Errorf("square client: %w", err)
	}

	key, err := cfg.Security.TokenKey()
	if err != nil {
		return nil, err
	}
	sealer, err := security.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("token sealer: %w", err)
	}

	r.Credentials, err = credentials.NewStore(credentials.StoreParams{
		Repo:          credentials.NewRepository(params.DB.DB()),
		DB:            params.DB,
		Gateway:       gateway,
		Sealer:        sealer,
		RefreshMargin: cfg.Reconcile.TokenRefreshMargin,
		Logger:        logg,
		Metrics:       r.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	if err := r.Credentials.BootstrapPlatform(ctx, cfg.Square.PlatformAccessToken, cfg.Square.PlatformRefreshToken); err != nil {
		return nil, fmt.Errorf("bootstrap platform credential: %w", err)
	}

	notifier, err := r.newNotifier(ctx, cfg, logg)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	dispatcher, err := alerts.NewDispatcher(alerts.DispatcherParams{
		Store:              params.Redis,
		Keys:               params.Redis,
		Notifier:           notifier,
		Cooldown:           cfg.Alerts.Cooldown,
		CriticalRecipients: cfg.Alerts.CriticalRecipients,
		WarningRecipients:  cfg.Alerts.WarningRecipients,
		Logger:             logg,
		Metrics:            r.Metrics,
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("alert dispatcher: %w", err)
	}

	r.Outbox, err = alerts.NewOutbox(alerts.OutboxParams{
		DB:          params.DB.DB(),
		Raiser:      dispatcher,
		MaxAttempts: cfg.Alerts.OutboxMaxAttempts,
		Logger:      logg,
		Metrics:     r.Metrics,
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("alert outbox: %w", err)
	}

	collaborator, err := fulfillment.NewHTTPCollaborator(cfg.Fulfillment.BaseURL, cfg.Fulfillment.Timeout)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("fulfillment collaborator: %w", err)
	}
	fulfiller, err := fulfillment.NewDispatcher(fulfillment.DispatcherParams{
		Generator: collaborator,
		Sender:    collaborator,
		Markers:   params.Redis,
		Keys:      params.Redis,
		Logger:    logg,
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("fulfillment dispatcher: %w", err)
	}

	repo := orders.NewRepository(params.DB.DB())
	verifier, err := reconcile.NewVerifier(reconcile.VerifierParams{
		Repo:      repo,
		DB:        params.DB,
		Tokens:    r.Credentials,
		Gateway:   gateway,
		Fulfiller: fulfiller,
		Alerts:    r.Outbox,
		Policy: reconcile.Policy{
			ExpiryCeiling: cfg.Reconcile.ExpiryCeiling,
			StuckCeiling:  cfg.Reconcile.StuckCeiling,
		},
		CallTimeout: cfg.Reconcile.CallTimeout,
		Logger:      logg,
		Metrics:     r.Metrics,
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("verifier: %w", err)
	}

	streaks, err := reconcile.NewAuthStreaks(params.Redis, params.Redis, dispatcher, cfg.Reconcile.AuthFailureThreshold, logg)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("auth streaks: %w", err)
	}

	r.Coordinator, err = reconcile.NewCoordinator(reconcile.CoordinatorParams{
		Candidates:  repo,
		Verifier:    verifier,
		Streaks:     streaks,
		Alerts:      dispatcher,
		BatchSize:   cfg.Reconcile.BatchSize,
		Workers:     cfg.Reconcile.Workers,
		CycleBudget: cfg.Reconcile.CycleBudget,
		Logger:      logg,
		Metrics:     r.Metrics,
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	r.Marker, err = orders.NewPendingMarker(repo)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Close releases clients opened while wiring.
func (r *Reconciler) Close() error {
	var err error
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i]())
	}
	r.closers = nil
	return err
}

func (r *Reconciler) newNotifier(ctx context.Context, cfg *config.Config, logg *logger.Logger) (alerts.Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Alerts.Channel)) {
	case config.AlertChannelWebhook:
		notifier, err := alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookTimeout)
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		return notifier, nil
	case config.AlertChannelPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		r.closers = append(r.closers, client.Close)
		notifier, err := alerts.NewPubSubNotifier(client, client.AlertsTopic())
		if err != nil {
			return nil, fmt.Errorf("pubsub notifier: %w", err)
		}
		return notifier, nil
	default:
		return alerts.NewLogNotifier(logg), nil
	}
}
