package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/internal/alerts"
	"github.com/angelmondragon/payment-reconciler/internal/credentials"
	"github.com/angelmondragon/payment-reconciler/internal/fulfillment"
	"github.com/angelmondragon/payment-reconciler/internal/orders"
	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/metrics"
	"github.com/angelmondragon/payment-reconciler/pkg/square"
)

const defaultCallTimeout = 10 * time.Second

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type tokenSource interface {
	Resolve(ctx context.Context, merchantID string) (*credentials.Token, error)
	ForceRefresh(ctx context.Context, rejected *credentials.Token) (*credentials.Token, error)
}

type statusGateway interface {
	GetCheckoutStatus(ctx context.Context, checkoutID, token string) (*square.CheckoutStatus, error)
}

// alertQueue persists alerts with the order change that raised them and
// sends them once that change has committed.
type alertQueue interface {
	Enqueue(ctx context.Context, tx *gorm.DB, alert alerts.Alert) (uuid.UUID, error)
	Deliver(ctx context.Context, ids []uuid.UUID) error
}

// alertDeliveryTimeout bounds the post-commit send. It runs detached from the
// cycle context so an expiring budget cannot drop a committed alert.
const alertDeliveryTimeout = 15 * time.Second

// errTokenRejected rolls back an attempt whose token the gateway refused so
// the refresh can run without holding the order lock.
var errTokenRejected = errors.New("gateway rejected token")

// VerifierParams wires the per-order verifier.
type VerifierParams struct {
	Repo        orders.Repository
	DB          txRunner
	Tokens      tokenSource
	Gateway     statusGateway
	Fulfiller   fulfillment.Fulfiller
	Alerts      alertQueue
	Policy      Policy
	CallTimeout time.Duration
	Logger      *logger.Logger
	Metrics     *metrics.ReconcileMetrics
}

// Verifier drives one order to exactly one outcome under its row lock.
type Verifier struct {
	repo        orders.Repository
	db          txRunner
	tokens      tokenSource
	gateway     statusGateway
	fulfiller   fulfillment.Fulfiller
	alerts      alertQueue
	policy      Policy
	callTimeout time.Duration
	logg        *logger.Logger
	metrics     *metrics.ReconcileMetrics
	now         func() time.Time
}

func NewVerifier(params VerifierParams) (*Verifier, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Tokens == nil {
		return nil, fmt.Errorf("token source required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
	}
	if params.Fulfiller == nil {
		return nil, fmt.Errorf("fulfiller required")
	}
	if params.Alerts == nil {
		return nil, fmt.Errorf("alert queue required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Policy.ExpiryCeiling <= 0 {
		return nil, fmt.Errorf("expiry ceiling required")
	}
	if params.Policy.StuckCeiling < params.Policy.ExpiryCeiling {
		params.Policy.StuckCeiling = params.Policy.ExpiryCeiling
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Verifier{
		repo:        params.Repo,
		db:          params.DB,
		tokens:      params.Tokens,
		gateway:     params.Gateway,
		fulfiller:   params.Fulfiller,
		alerts:      params.Alerts,
		policy:      params.Policy,
		callTimeout: timeout,
		logg:        params.Logger,
		metrics:     params.Metrics,
		now:         time.Now,
	}, nil
}

// credential is the token an attempt will present, or the reason there is none.
type credential struct {
	token     *credentials.Token
	err       error
	refreshed bool
}

// Verify locks the order, re-checks it is still pending, consults the gateway
// and applies the resulting transition in one transaction. Alerts are queued
// in that transaction and sent after it commits. The token is resolved before
// the lock is taken, so the transaction never waits on a second connection.
// Per-order failures are folded into the returned outcome.
func (v *Verifier) Verify(ctx context.Context, cycle *Cycle, orderID uuid.UUID) enums.VerificationOutcome {
	ctx = v.logg.WithOrderID(ctx, orderID.String())

	outcome, queued, err := v.verify(ctx, cycle, orderID)
	if err != nil {
		v.logg.Error(ctx, "order verification aborted", err)
		outcome = enums.OutcomeError
		queued = nil
	}

	v.logg.Info(v.logg.WithField(ctx, "outcome", string(outcome)), "order verified")
	v.metrics.IncOutcome(string(outcome))

	if len(queued) > 0 {
		deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertDeliveryTimeout)
		defer cancel()
		if err := v.alerts.Deliver(deliverCtx, queued); err != nil {
			v.logg.Warn(v.logg.WithField(ctx, "error", err.Error()), "alert delivery deferred to outbox drain")
		}
	}
	return outcome
}

func (v *Verifier) verify(ctx context.Context, cycle *Cycle, orderID uuid.UUID) (enums.VerificationOutcome, []uuid.UUID, error) {
	order, err := v.repo.FindByID(ctx, orderID)
	if err != nil {
		if orders.IsNotFound(err) {
			return enums.OutcomeSkipped, nil, nil
		}
		return enums.OutcomeError, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.Status != enums.OrderStatusPendingVerification {
		return enums.OutcomeSkipped, nil, nil
	}

	var cred credential
	if order.Checkout != nil {
		cred = v.resolve(ctx, cycle, order.Checkout.Merchant())
	}

	outcome, queued, err := v.attempt(ctx, cycle, orderID, cred)
	if !errors.Is(err, errTokenRejected) {
		return outcome, queued, err
	}

	cred = v.refresh(ctx, cycle, cred.token)
	return v.attempt(ctx, cycle, orderID, cred)
}

// attempt runs one locked pass over the order. It returns errTokenRejected,
// with nothing written, when the gateway refuses a token that has not been
// refreshed yet.
func (v *Verifier) attempt(ctx context.Context, cycle *Cycle, orderID uuid.UUID, cred credential) (enums.VerificationOutcome, []uuid.UUID, error) {
	var (
		outcome = enums.OutcomeError
		queued  []uuid.UUID
	)
	err := v.db.WithTx(ctx, func(tx *gorm.DB) error {
		queued = nil
		repo := v.repo.WithTx(tx)

		order, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			if orders.IsNotFound(err) {
				outcome = enums.OutcomeSkipped
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
		}
		if order.Status != enums.OrderStatusPendingVerification {
			outcome = enums.OutcomeSkipped
			return nil
		}

		checkout, err := repo.FindCheckoutByOrder(ctx, order.ID)
		if err != nil {
			if !orders.IsNotFound(err) {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load checkout")
			}
			checkout = nil
		}

		obs := Observation{Order: *order, Checkout: checkout}
		if checkout != nil {
			obs.Gateway, obs.GatewayErr = v.lookup(ctx, cycle, checkout, cred)
			if errors.Is(obs.GatewayErr, errTokenRejected) {
				return errTokenRejected
			}
		}
		now := v.now().UTC()
		obs.Age = order.Age(now)

		decision := Decide(obs, v.policy)
		outcome = decision.Outcome

		if checkout != nil && obs.Gateway != nil {
			if err := repo.UpdateCheckoutSnapshot(ctx, checkout.ID, obs.Gateway.Status, now); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update checkout snapshot")
			}
		}

		var pending []alerts.Alert
		if decision.Alert != nil {
			pending = append(pending, v.alertFor(cycle, order.ID, *decision.Alert))
		}

		switch outcome {
		case enums.OutcomeStillPending:
			return v.enqueue(ctx, tx, pending, &queued)
		case enums.OutcomeError:
			note := orders.FormatNote(now, "cycle %s: verification deferred: %s", cycle.ID, decision.Reason)
			if err := repo.AppendNote(ctx, order.ID, note, now); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append note")
			}
			return v.enqueue(ctx, tx, pending, &queued)
		}

		target, _ := outcome.TargetStatus()
		reason := decision.Reason
		if outcome == enums.OutcomeCompleted {
			if err := v.fulfiller.Fulfill(ctx, *order); err != nil {
				v.logg.Error(ctx, "fulfillment failed after payment confirmed", err)
				reason = fmt.Sprintf("%s; fulfillment failed: %s", reason, publicError(err))
				pending = append(pending, v.alertFor(cycle, order.ID, AlertSpec{
					Class:    enums.AlertClassFulfillmentFailure,
					Severity: enums.AlertSeverityCritical,
					Summary:  "payment confirmed but fulfillment failed",
					Details: withDetails(orderDetails(*order), map[string]any{
						"error": err.Error(),
					}),
				}))
			}
		}

		note := orders.FormatNote(now, "cycle %s: %s -> %s: %s%s",
			cycle.ID, order.Status, target, reason, responseDigest(obs.Gateway))
		if err := repo.ApplyTransition(ctx, order.ID, target, note, now); err != nil {
			if errors.Is(err, orders.ErrTransitionConflict) {
				outcome = enums.OutcomeSkipped
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply transition")
		}
		return v.enqueue(ctx, tx, pending, &queued)
	})
	if err != nil {
		return enums.OutcomeError, nil, err
	}
	return outcome, queued, nil
}

func (v *Verifier) enqueue(ctx context.Context, tx *gorm.DB, pending []alerts.Alert, queued *[]uuid.UUID) error {
	for _, alert := range pending {
		id, err := v.alerts.Enqueue(ctx, tx, alert)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue alert")
		}
		*queued = append(*queued, id)
	}
	return nil
}

// resolve fetches the bearer token for the checkout's merchant, falling back
// to the platform credential.
func (v *Verifier) resolve(ctx context.Context, cycle *Cycle, merchantID string) credential {
	token, err := v.tokens.Resolve(ctx, merchantID)
	if err != nil {
		if isAuthorizationFailure(err) {
			cycle.markAuthFailure(ownerFor(err, merchantID))
			return credential{err: pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "resolve credential")}
		}
		return credential{err: pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve credential")}
	}
	return credential{token: token}
}

// refresh forces one refresh of a token the gateway rejected.
func (v *Verifier) refresh(ctx context.Context, cycle *Cycle, rejected *credentials.Token) credential {
	refreshed, err := v.tokens.ForceRefresh(ctx, rejected)
	if err != nil {
		cycle.markAuthFailure(rejected.OwnerKey)
		return credential{err: pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "refresh after rejected token"), refreshed: true}
	}
	return credential{token: refreshed, refreshed: true}
}

// lookup asks the gateway for the checkout status with the attempt's token.
// A first 401 yields errTokenRejected; a 401 after a refresh is final.
func (v *Verifier) lookup(ctx context.Context, cycle *Cycle, checkout *models.Checkout, cred credential) (*square.CheckoutStatus, error) {
	if cred.err != nil {
		return nil, cred.err
	}
	if cred.token == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "no credential resolved for checkout")
	}

	status, err := v.call(ctx, checkout.ExternalID, cred.token.Value)
	if pkgerrors.HasCode(err, pkgerrors.CodeUnauthorized) {
		if !cred.refreshed {
			return nil, errTokenRejected
		}
		cycle.markAuthFailure(cred.token.OwnerKey)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	cycle.markAuthSuccess(cred.token.OwnerKey)
	return status, nil
}

func (v *Verifier) call(ctx context.Context, checkoutID, token string) (*square.CheckoutStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.callTimeout)
	defer cancel()
	status, err := v.gateway.GetCheckoutStatus(callCtx, checkoutID, token)
	v.metrics.IncGatewayCall(gatewayResult(err))
	return status, err
}

func (v *Verifier) alertFor(cycle *Cycle, orderID uuid.UUID, spec AlertSpec) alerts.Alert {
	return alerts.Alert{
		Class:     spec.Class,
		Severity:  spec.Severity,
		DedupeKey: fmt.Sprintf("%s:%s", spec.Class, orderID),
		Summary:   spec.Summary,
		CycleID:   cycle.ID,
		OrderID:   orderID,
		Details:   spec.Details,
	}
}

func isAuthorizationFailure(err error) bool {
	return errors.Is(err, credentials.ErrRevoked) || errors.Is(err, credentials.ErrNotConnected)
}

func ownerFor(err error, merchantID string) string {
	if owner := credentials.OwnerOf(err); owner != "" {
		return owner
	}
	return models.OwnerKeyFor(merchantID)
}

func gatewayResult(err error) string {
	if err == nil {
		return "ok"
	}
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeUnauthorized:
		return "unauthorized"
	case pkgerrors.CodeNotFound:
		return "not_found"
	case pkgerrors.CodeTimeout:
		return "timeout"
	case pkgerrors.CodeRateLimit:
		return "rate_limited"
	default:
		return "error"
	}
}

// responseDigest fingerprints the raw gateway payload for the audit trail.
func responseDigest(status *square.CheckoutStatus) string {
	if status == nil || len(status.Raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(status.Raw)
	return fmt.Sprintf(" (gateway %s, response sha256:%s)", status.RawStatus, hex.EncodeToString(sum[:]))
}
