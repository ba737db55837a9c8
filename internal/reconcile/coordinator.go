package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/payment-reconciler/internal/alerts"
	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/metrics"
)

const (
	defaultBatchSize = 50
	defaultWorkers   = 4
)

type candidateLister interface {
	ListCandidates(ctx context.Context, limit int) ([]models.Order, error)
}

type orderVerifier interface {
	Verify(ctx context.Context, cycle *Cycle, orderID uuid.UUID) enums.VerificationOutcome
}

type streakSettler interface {
	Settle(ctx context.Context, cycle *Cycle) error
}

// CoordinatorParams wires the cycle coordinator.
type CoordinatorParams struct {
	Candidates  candidateLister
	Verifier    orderVerifier
	Streaks     streakSettler
	Alerts      alerts.Raiser
	BatchSize   int
	Workers     int
	CycleBudget time.Duration
	Logger      *logger.Logger
	Metrics     *metrics.ReconcileMetrics
}

// Coordinator runs reconciliation cycles. It is safe to call RunCycle
// concurrently; overlapping cycles are resolved per order by the verifier.
type Coordinator struct {
	candidates candidateLister
	verifier   orderVerifier
	streaks    streakSettler
	alerts     alerts.Raiser
	batchSize  int
	workers    int
	budget     time.Duration
	logg       *logger.Logger
	metrics    *metrics.ReconcileMetrics
	now        func() time.Time
	newID      func() string
}

func NewCoordinator(params CoordinatorParams) (*Coordinator, error) {
	if params.Candidates == nil {
		return nil, fmt.Errorf("candidate lister required")
	}
	if params.Verifier == nil {
		return nil, fmt.Errorf("verifier required")
	}
	if params.Alerts == nil {
		return nil, fmt.Errorf("alert raiser required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Coordinator{
		candidates: params.Candidates,
		verifier:   params.Verifier,
		streaks:    params.Streaks,
		alerts:     params.Alerts,
		batchSize:  batch,
		workers:    workers,
		budget:     params.CycleBudget,
		logg:       params.Logger,
		metrics:    params.Metrics,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}, nil
}

// RunCycle verifies one bounded batch of pending orders and returns the
// cycle summary. Only a failure to list candidates returns an error.
func (c *Coordinator) RunCycle(ctx context.Context) (Summary, error) {
	cycle := newCycle(c.newID(), c.now().UTC())
	ctx = c.logg.WithCycleID(ctx, cycle.ID)

	runCtx := ctx
	if c.budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.budget)
		defer cancel()
	}

	candidates, err := c.candidates.ListCandidates(runCtx, c.batchSize)
	if err != nil {
		wrapped := pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reconciliation candidates")
		c.logg.Error(ctx, "cycle aborted: order ledger unavailable", wrapped)
		if _, alertErr := c.alerts.Raise(ctx, alerts.Alert{
			Class:     enums.AlertClassLedgerUnavailable,
			Severity:  enums.AlertSeverityCritical,
			DedupeKey: string(enums.AlertClassLedgerUnavailable),
			Summary:   "reconciliation cycle could not read the order ledger",
			CycleID:   cycle.ID,
			Details:   map[string]any{"error": err.Error()},
		}); alertErr != nil {
			c.logg.Error(ctx, "ledger alert dispatch failed", alertErr)
		}
		summary := cycle.finish(c.now())
		c.metrics.ObserveCycle(time.Duration(summary.DurationMS)*time.Millisecond, 0)
		return summary, wrapped
	}
	cycle.setCandidates(len(candidates))
	c.logg.Info(c.logg.WithField(ctx, "candidates", len(candidates)), "reconciliation cycle started")

	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, order := range candidates {
		if runCtx.Err() != nil {
			c.logg.Warn(c.logg.WithOrderID(ctx, order.ID.String()), "cycle budget exhausted; order deferred")
			cycle.record(enums.OutcomeError)
			continue
		}
		orderID := order.ID
		g.Go(func() error {
			cycle.record(c.verifier.Verify(runCtx, cycle, orderID))
			return nil
		})
	}
	_ = g.Wait()

	if c.streaks != nil {
		if err := c.streaks.Settle(ctx, cycle); err != nil {
			c.logg.Error(ctx, "auth streak bookkeeping failed", err)
		}
	}

	summary := cycle.finish(c.now())
	c.metrics.ObserveCycle(time.Duration(summary.DurationMS)*time.Millisecond, summary.Candidates)
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"candidates":    summary.Candidates,
		"verified":      summary.Verified,
		"failed":        summary.Failed,
		"expired":       summary.Expired,
		"manual_review": summary.ManualReview,
		"still_pending": summary.StillPending,
		"skipped":       summary.Skipped,
		"errors":        summary.Errors,
		"duration_ms":   summary.DurationMS,
	}), "reconciliation cycle finished")
	return summary, nil
}
