package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/payment-reconciler/api/responses"
	"github.com/angelmondragon/payment-reconciler/internal/reconcile"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

// CycleRunner runs one reconciliation cycle on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context) (reconcile.Summary, error)
}

// ReconcileRun triggers a cycle outside the schedule and returns its summary.
// Cycles are safe to overlap with the scheduled one.
func ReconcileRun(runner CycleRunner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runner == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconcile coordinator unavailable"))
			return
		}
		summary, err := runner.RunCycle(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}
