package alerts

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

type flakyRaiser struct {
	mu       sync.Mutex
	failures int
	raised   []Alert
	attempts int
}

func (r *flakyRaiser) Raise(ctx context.Context, alert Alert) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failures != 0 {
		if r.failures > 0 {
			r.failures--
		}
		return ResultFailed, errors.New("webhook returned 503")
	}
	r.raised = append(r.raised, alert)
	return ResultSent, nil
}

type outboxHarness struct {
	db     *gorm.DB
	raiser *flakyRaiser
	outbox *Outbox
	clock  time.Time
}

func newOutboxHarness(t *testing.T, maxAttempts int) *outboxHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.AlertOutbox{}))

	h := &outboxHarness{
		db:     db,
		raiser: &flakyRaiser{},
		clock:  time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
	h.outbox, err = NewOutbox(OutboxParams{
		DB:          db,
		Raiser:      h.raiser,
		MaxAttempts: maxAttempts,
		Logger:      logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	h.outbox.now = func() time.Time { return h.clock }
	return h
}

func (h *outboxHarness) enqueue(t *testing.T, alert Alert) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := h.db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = h.outbox.Enqueue(context.Background(), tx, alert)
		return err
	})
	require.NoError(t, err)
	return id
}

func (h *outboxHarness) row(t *testing.T, id uuid.UUID) models.AlertOutbox {
	t.Helper()
	var row models.AlertOutbox
	require.NoError(t, h.db.First(&row, "id = ?", id).Error)
	return row
}

func mismatchAlert(orderID uuid.UUID) Alert {
	return Alert{
		Class:     enums.AlertClassAmountMismatch,
		Severity:  enums.AlertSeverityCritical,
		DedupeKey: "amount_mismatch:" + orderID.String(),
		Summary:   "gateway amount differs from order total",
		CycleID:   "cycle-1",
		OrderID:   orderID,
		Details:   map[string]any{"order_reference": "ORD-1"},
	}
}

func TestOutboxRetriesFailedDeliveryUntilSent(t *testing.T) {
	h := newOutboxHarness(t, 0)
	h.raiser.failures = 1
	orderID := uuid.New()
	id := h.enqueue(t, mismatchAlert(orderID))

	require.Error(t, h.outbox.Deliver(context.Background(), []uuid.UUID{id}))
	row := h.row(t, id)
	assert.Nil(t, row.DeliveredAt)
	assert.Equal(t, 1, row.AttemptCount)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "503")
	assert.Empty(t, h.raiser.raised)

	summary, err := h.outbox.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainSummary{}, summary, "row is backing off")

	h.clock = h.clock.Add(outboxBaseBackoff + time.Second)
	summary, err = h.outbox.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Delivered)

	require.Len(t, h.raiser.raised, 1)
	sent := h.raiser.raised[0]
	assert.Equal(t, enums.AlertClassAmountMismatch, sent.Class)
	assert.Equal(t, orderID, sent.OrderID)
	assert.Equal(t, "cycle-1", sent.CycleID)
	assert.Equal(t, "ORD-1", sent.Details["order_reference"])
	assert.NotNil(t, h.row(t, id).DeliveredAt)

	h.clock = h.clock.Add(time.Hour)
	summary, err = h.outbox.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Delivered)
	assert.Len(t, h.raiser.raised, 1)
}

func TestOutboxAbandonsAfterMaxAttempts(t *testing.T) {
	h := newOutboxHarness(t, 2)
	h.raiser.failures = -1
	id := h.enqueue(t, mismatchAlert(uuid.New()))

	require.Error(t, h.outbox.Deliver(context.Background(), []uuid.UUID{id}))

	h.clock = h.clock.Add(outboxMaxBackoff)
	summary, err := h.outbox.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Abandoned)
	assert.Equal(t, 2, h.row(t, id).AttemptCount)

	h.clock = h.clock.Add(24 * time.Hour)
	summary, err = h.outbox.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainSummary{}, summary)
	assert.Equal(t, 2, h.raiser.attempts)
}

func TestOutboxEnqueueFollowsTransaction(t *testing.T) {
	h := newOutboxHarness(t, 0)

	_, err := h.outbox.Enqueue(context.Background(), nil, mismatchAlert(uuid.New()))
	require.Error(t, err)

	rollback := errors.New("transition conflict")
	err = h.db.Transaction(func(tx *gorm.DB) error {
		if _, err := h.outbox.Enqueue(context.Background(), tx, mismatchAlert(uuid.New())); err != nil {
			return err
		}
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	var count int64
	require.NoError(t, h.db.Model(&models.AlertOutbox{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestOutboxSkipsLeasedRow(t *testing.T) {
	h := newOutboxHarness(t, 0)
	id := h.enqueue(t, mismatchAlert(uuid.New()))
	require.NoError(t, h.db.Model(&models.AlertOutbox{}).
		Where("id = ?", id).
		Update("next_attempt_at", h.clock.Add(claimLease)).Error)

	require.NoError(t, h.outbox.Deliver(context.Background(), []uuid.UUID{id}))
	assert.Zero(t, h.raiser.attempts)
	assert.Nil(t, h.row(t, id).DeliveredAt)
}

func TestOutboxPurgeKeepsUndeliveredAndRecent(t *testing.T) {
	h := newOutboxHarness(t, 0)
	old := h.enqueue(t, mismatchAlert(uuid.New()))
	require.NoError(t, h.outbox.Deliver(context.Background(), []uuid.UUID{old}))

	h.clock = h.clock.Add(48 * time.Hour)
	recent := h.enqueue(t, mismatchAlert(uuid.New()))
	require.NoError(t, h.outbox.Deliver(context.Background(), []uuid.UUID{recent}))
	h.raiser.failures = 1
	pending := h.enqueue(t, mismatchAlert(uuid.New()))
	require.Error(t, h.outbox.Deliver(context.Background(), []uuid.UUID{pending}))

	purged, err := h.outbox.Purge(context.Background(), h.clock.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	var remaining []models.AlertOutbox
	require.NoError(t, h.db.Order("created_at ASC").Find(&remaining).Error)
	ids := []uuid.UUID{}
	for _, row := range remaining {
		ids = append(ids, row.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{recent, pending}, ids)
}

func TestBackoffForDoublesUpToCeiling(t *testing.T) {
	assert.Equal(t, outboxBaseBackoff, backoffFor(1))
	assert.Equal(t, 2*outboxBaseBackoff, backoffFor(2))
	assert.Equal(t, 4*outboxBaseBackoff, backoffFor(3))
	assert.Equal(t, outboxMaxBackoff, backoffFor(30))
}
