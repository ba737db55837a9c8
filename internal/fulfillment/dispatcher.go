package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/redis"
)

// DefaultMarkerTTL keeps fulfillment markers well past any retry window.
const DefaultMarkerTTL = 30 * 24 * time.Hour

// Artifacts is whatever the artifact collaborator produced for an order.
type Artifacts struct {
	Reference string         `json:"reference"`
	Items     []ArtifactItem `json:"items"`
}

type ArtifactItem struct {
	Kind string `json:"kind"`
	Code string `json:"code"`
	URL  string `json:"url,omitempty"`
}

// ArtifactGenerator produces tickets or other fulfillment artifacts.
type ArtifactGenerator interface {
	GenerateArtifacts(ctx context.Context, order models.Order) (*Artifacts, error)
}

// ConfirmationSender delivers the order confirmation to the customer.
type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, order models.Order, artifacts *Artifacts) error
}

// Fulfiller is the surface the verifier calls once an order is confirmed paid.
type Fulfiller interface {
	Fulfill(ctx context.Context, order models.Order) error
}

type keyBuilder interface {
	FulfillmentKey(orderID string) string
}

// DispatcherParams wires the fulfillment dispatcher.
type DispatcherParams struct {
	Generator ArtifactGenerator
	Sender    ConfirmationSender
	Markers   redis.MarkerStore
	Keys      keyBuilder
	MarkerTTL time.Duration
	Logger    *logger.Logger
}

// Dispatcher runs artifact generation then confirmation, once per order.
type Dispatcher struct {
	generator ArtifactGenerator
	sender    ConfirmationSender
	markers   redis.MarkerStore
	keys      keyBuilder
	ttl       time.Duration
	logg      *logger.Logger
	now       func() time.Time
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Generator == nil {
		return nil, fmt.Errorf("artifact generator required")
	}
	if params.Sender == nil {
		return nil, fmt.Errorf("confirmation sender required")
	}
	if params.Markers == nil || params.Keys == nil {
		return nil, fmt.Errorf("fulfillment marker store required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	ttl := params.MarkerTTL
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &Dispatcher{
		generator: params.Generator,
		sender:    params.Sender,
		markers:   params.Markers,
		keys:      params.Keys,
		ttl:       ttl,
		logg:      params.Logger,
		now:       time.Now,
	}, nil
}

// Fulfill is a no-op for orders that already carry a fulfillment marker. The
// marker covers the window where fulfillment succeeded but the surrounding
// status commit did not. An unreadable marker fails the call rather than risk
// a second confirmation.
func (d *Dispatcher) Fulfill(ctx context.Context, order models.Order) error {
	ctx = d.logg.WithOrderID(ctx, order.ID.String())
	key := d.keys.FulfillmentKey(order.ID.String())

	done, err := d.markers.Get(ctx, key)
	switch {
	case err == nil && done != "":
		d.logg.Info(d.logg.WithField(ctx, "fulfilled_at", done), "order already fulfilled")
		return nil
	case err != nil && !errors.Is(err, goredis.Nil):
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read fulfillment marker")
	}

	artifacts, err := d.generator.GenerateArtifacts(ctx, order)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "generate fulfillment artifacts")
	}
	if err := d.sender.SendConfirmation(ctx, order, artifacts); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "send order confirmation")
	}

	if _, err := d.markers.SetNX(ctx, key, d.now().UTC().Format(time.RFC3339), d.ttl); err != nil {
		d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "failed to record fulfillment marker")
	}
	items := 0
	if artifacts != nil {
		items = len(artifacts.Items)
	}
	d.logg.Info(d.logg.WithField(ctx, "artifacts", items), "order fulfilled")
	return nil
}
