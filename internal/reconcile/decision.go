package reconcile

import (
	"fmt"
	"time"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/square"
)

// Policy holds the age ceilings that drive expiry and escalation.
type Policy struct {
	ExpiryCeiling time.Duration
	StuckCeiling  time.Duration
}

// Observation is everything the decision needs about one locked order.
type Observation struct {
	Order      models.Order
	Checkout   *models.Checkout
	Gateway    *square.CheckoutStatus
	GatewayErr error
	Age        time.Duration
}

// AlertSpec describes an alert a decision asks for. The verifier fills in
// the dedupe key and cycle id.
type AlertSpec struct {
	Class    enums.AlertClass
	Severity enums.AlertSeverity
	Summary  string
	Details  map[string]any
}

// Decision is the outcome for one order plus an optional alert.
type Decision struct {
	Outcome enums.VerificationOutcome
	Reason  string
	Alert   *AlertSpec
}

// Decide maps an observation onto exactly one outcome. It has no side effects.
func Decide(obs Observation, policy Policy) Decision {
	if obs.Checkout == nil {
		return Decision{
			Outcome: enums.OutcomeManualReview,
			Reason:  "no local checkout record for order",
			Alert: &AlertSpec{
				Class:    enums.AlertClassMissingCheckout,
				Severity: enums.AlertSeverityCritical,
				Summary:  "order has no checkout record",
				Details:  orderDetails(obs.Order),
			},
		}
	}

	if obs.GatewayErr != nil {
		return decideOnError(obs, policy)
	}
	if obs.Gateway == nil {
		return Decision{Outcome: enums.OutcomeError, Reason: "gateway returned no status"}
	}

	switch status := obs.Gateway.Status; {
	case status == enums.GatewayStatusPaid:
		return decidePaid(obs)
	case status.IsDefinitiveFailure():
		return Decision{
			Outcome: enums.OutcomeFailed,
			Reason:  fmt.Sprintf("gateway reports %s", obs.Gateway.RawStatus),
		}
	default:
		if obs.Age > policy.ExpiryCeiling {
			return Decision{
				Outcome: enums.OutcomeExpired,
				Reason:  fmt.Sprintf("still %s after %s", status, obs.Age.Round(time.Minute)),
				Alert: &AlertSpec{
					Class:    enums.AlertClassStaleOrder,
					Severity: enums.AlertSeverityWarning,
					Summary:  "order expired without settled payment",
					Details: withDetails(orderDetails(obs.Order), map[string]any{
						"checkout_id":    obs.Checkout.ExternalID,
						"gateway_status": string(status),
						"age":            obs.Age.Round(time.Second).String(),
						"expiry_ceiling": policy.ExpiryCeiling.String(),
					}),
				},
			}
		}
		return Decision{
			Outcome: enums.OutcomeStillPending,
			Reason:  fmt.Sprintf("gateway reports %s", status),
		}
	}
}

func decidePaid(obs Observation) Decision {
	order := obs.Order
	gw := obs.Gateway
	gatewayCurrency := enums.Currency(gw.Currency)

	if gw.AmountMinor == order.TotalMinor &&
		gatewayCurrency == order.Currency &&
		obs.Checkout.AmountMinor == order.TotalMinor &&
		obs.Checkout.Currency == order.Currency {
		return Decision{Outcome: enums.OutcomeCompleted, Reason: "gateway reports paid in full"}
	}

	return Decision{
		Outcome: enums.OutcomeManualReview,
		Reason: fmt.Sprintf("paid amount %s does not match order total %s",
			gatewayCurrency.FormatMinor(gw.AmountMinor), order.Currency.FormatMinor(order.TotalMinor)),
		Alert: &AlertSpec{
			Class:    enums.AlertClassAmountMismatch,
			Severity: enums.AlertSeverityCritical,
			Summary:  "paid amount does not match order total",
			Details: withDetails(orderDetails(order), map[string]any{
				"checkout_id":           obs.Checkout.ExternalID,
				"gateway_amount_minor":  gw.AmountMinor,
				"gateway_currency":      gw.Currency,
				"gateway_amount":        gatewayCurrency.FormatMinor(gw.AmountMinor),
				"checkout_amount_minor": obs.Checkout.AmountMinor,
				"checkout_currency":     string(obs.Checkout.Currency),
			}),
		},
	}
}

func decideOnError(obs Observation, policy Policy) Decision {
	if pkgerrors.HasCode(obs.GatewayErr, pkgerrors.CodeNotFound) {
		return Decision{
			Outcome: enums.OutcomeManualReview,
			Reason:  "checkout not found at gateway",
			Alert: &AlertSpec{
				Class:    enums.AlertClassMissingCheckout,
				Severity: enums.AlertSeverityCritical,
				Summary:  "checkout not found at gateway",
				Details: withDetails(orderDetails(obs.Order), map[string]any{
					"checkout_id": obs.Checkout.ExternalID,
				}),
			},
		}
	}

	if obs.Age > policy.StuckCeiling {
		return Decision{
			Outcome: enums.OutcomeManualReview,
			Reason:  fmt.Sprintf("unverifiable after %s: %s", obs.Age.Round(time.Minute), publicError(obs.GatewayErr)),
			Alert: &AlertSpec{
				Class:    enums.AlertClassStuckOrder,
				Severity: enums.AlertSeverityCritical,
				Summary:  "order could not be verified before the stuck ceiling",
				Details: withDetails(orderDetails(obs.Order), map[string]any{
					"checkout_id":   obs.Checkout.ExternalID,
					"last_error":    obs.GatewayErr.Error(),
					"age":           obs.Age.Round(time.Second).String(),
					"stuck_ceiling": policy.StuckCeiling.String(),
				}),
			},
		}
	}

	return Decision{Outcome: enums.OutcomeError, Reason: publicError(obs.GatewayErr)}
}

// publicError keeps notes free of token material and upstream payloads.
func publicError(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return fmt.Sprintf("%s: %s", typed.Code(), typed.Message())
	}
	return err.Error()
}

func orderDetails(order models.Order) map[string]any {
	return map[string]any{
		"order_id":          order.ID.String(),
		"order_reference":   order.Reference,
		"order_total_minor": order.TotalMinor,
		"order_currency":    string(order.Currency),
		"order_total":       order.Currency.FormatMinor(order.TotalMinor),
	}
}

func withDetails(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
