package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/payment-reconciler/internal/reconcile"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

type cycleRunner interface {
	RunCycle(ctx context.Context) (reconcile.Summary, error)
}

// ReconcileJobParams configure the scheduled reconciliation sweep.
type ReconcileJobParams struct {
	Logger      *logger.Logger
	Coordinator cycleRunner
}

// NewReconcileJob wraps the cycle coordinator as a cron job.
func NewReconcileJob(params ReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Coordinator == nil {
		return nil, fmt.Errorf("cycle coordinator required")
	}
	return &reconcileJob{
		logg:        params.Logger,
		coordinator: params.Coordinator,
	}, nil
}

type reconcileJob struct {
	logg        *logger.Logger
	coordinator cycleRunner
}

func (j *reconcileJob) Name() string { return "payment-reconcile" }

// Run fails the job only when the cycle itself aborted. Per-order errors
// are already counted in the summary.
func (j *reconcileJob) Run(ctx context.Context) error {
	summary, err := j.coordinator.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("reconcile cycle %s: %w", summary.CycleID, err)
	}
	if summary.Errors > 0 {
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			logger.FieldCycleID: summary.CycleID,
			"errors":            summary.Errors,
		}), "reconcile cycle finished with per-order errors")
	}
	return nil
}
