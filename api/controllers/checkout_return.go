package controllers

import (
	"net/http"

	"github.com/angelmondragon/payment-reconciler/api/responses"
	"github.com/angelmondragon/payment-reconciler/api/validators"
	internalorders "github.com/angelmondragon/payment-reconciler/internal/orders"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

// CheckoutReturn handles the customer's browser redirect back from the
// gateway. The redirect is untrusted: it can only annotate a pending order,
// and the response never claims payment succeeded.
func CheckoutReturn(marker internalorders.PendingMarker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if marker == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "pending marker unavailable"))
			return
		}

		orderID, err := validators.ParseQueryUUID(r, "order_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := logg.WithOrderID(r.Context(), orderID.String())
		status, err := marker.MarkPendingVerification(ctx, orderID, "customer returned from gateway")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		logg.Info(logg.WithField(ctx, "order_status", status), "checkout return recorded")

		responses.WriteSuccess(w, map[string]string{
			"order_id": orderID.String(),
			"status":   "processing",
		})
	}
}
