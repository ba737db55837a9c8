package reconcile

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/internal/alerts"
	"github.com/angelmondragon/payment-reconciler/internal/credentials"
	"github.com/angelmondragon/payment-reconciler/internal/orders"
	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/square"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type transition struct {
	orderID uuid.UUID
	to      enums.OrderStatus
	note    string
}

// fakeLedger is an in-memory orders.Repository.
type fakeLedger struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]*models.Order
	checkouts   map[uuid.UUID]*models.Checkout
	transitions []transition
	snapshots   int
	listErr     error
	listBarrier *sync.WaitGroup
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		orders:    map[uuid.UUID]*models.Order{},
		checkouts: map[uuid.UUID]*models.Checkout{},
	}
}

func (l *fakeLedger) seed(total int64, age time.Duration, merchant *string) *models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	order := &models.Order{
		ID:         uuid.New(),
		Reference:  fmt.Sprintf("ORD-%d", len(l.orders)+1),
		TotalMinor: total,
		Currency:   enums.CurrencyGBP,
		Status:     enums.OrderStatusPendingVerification,
		CreatedAt:  testNow.Add(-age),
	}
	l.orders[order.ID] = order
	l.checkouts[order.ID] = &models.Checkout{
		ID:          uuid.New(),
		OrderID:     order.ID,
		ExternalID:  "sq-" + order.Reference,
		MerchantID:  merchant,
		AmountMinor: total,
		Currency:    enums.CurrencyGBP,
	}
	copied := *order
	return &copied
}

func (l *fakeLedger) dropCheckout(orderID uuid.UUID) {
	l.mu.Lock()
	delete(l.checkouts, orderID)
	l.mu.Unlock()
}

func (l *fakeLedger) status(orderID uuid.UUID) enums.OrderStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[orderID].Status
}

func (l *fakeLedger) notes(orderID uuid.UUID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[orderID].Notes
}

func (l *fakeLedger) transitionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transitions)
}

func (l *fakeLedger) WithTx(tx *gorm.DB) orders.Repository { return l }

func (l *fakeLedger) Create(ctx context.Context, order *models.Order, checkout *models.Checkout) error {
	return fmt.Errorf("not supported")
}

// FindByID attaches the checkout the way the gorm repository preloads it.
func (l *fakeLedger) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := l.LockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if checkout, err := l.FindCheckoutByOrder(ctx, id); err == nil {
		order.Checkout = checkout
	}
	return order, nil
}

func (l *fakeLedger) ListCandidates(ctx context.Context, limit int) ([]models.Order, error) {
	if l.listBarrier != nil {
		l.listBarrier.Done()
		l.listBarrier.Wait()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listErr != nil {
		return nil, l.listErr
	}
	var out []models.Order
	for _, order := range l.orders {
		if order.Status == enums.OrderStatusPendingVerification && (limit <= 0 || len(out) < limit) {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (l *fakeLedger) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	order, ok := l.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *order
	return &copied, nil
}

func (l *fakeLedger) FindCheckoutByOrder(ctx context.Context, orderID uuid.UUID) (*models.Checkout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	checkout, ok := l.checkouts[orderID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *checkout
	return &copied, nil
}

func (l *fakeLedger) ApplyTransition(ctx context.Context, id uuid.UUID, to enums.OrderStatus, note string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	order, ok := l.orders[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if order.Status != enums.OrderStatusPendingVerification {
		return orders.ErrTransitionConflict
	}
	if err := orders.ValidateTransition(order.Status, to); err != nil {
		return err
	}
	order.Status = to
	order.Notes += note
	l.transitions = append(l.transitions, transition{orderID: id, to: to, note: note})
	return nil
}

func (l *fakeLedger) AppendNote(ctx context.Context, id uuid.UUID, note string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	order, ok := l.orders[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if order.Status != enums.OrderStatusPendingVerification {
		return orders.ErrTransitionConflict
	}
	order.Notes += note
	return nil
}

func (l *fakeLedger) UpdateCheckoutSnapshot(ctx context.Context, checkoutID uuid.UUID, status enums.GatewayStatus, polledAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, checkout := range l.checkouts {
		if checkout.ID == checkoutID {
			checkout.GatewayStatus = status
			polled := polledAt
			checkout.LastPolledAt = &polled
		}
	}
	l.snapshots++
	return nil
}

// lockingTxRunner serializes transactions the way a row lock serializes
// verifiers working on the same order.
type lockingTxRunner struct {
	mu sync.Mutex
}

func (r *lockingTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(nil)
}

type fakeTokens struct {
	mu          sync.Mutex
	resolveErr  error
	refreshErr  error
	current     string
	forced      int
	refreshedTo string
}

func (f *fakeTokens) Resolve(ctx context.Context, merchantID string) (*credentials.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &credentials.Token{Value: f.current, OwnerKey: models.OwnerKeyFor(merchantID), MerchantID: merchantID}, nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, rejected *credentials.Token) (*credentials.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.current = f.refreshedTo
	return &credentials.Token{Value: f.current, OwnerKey: rejected.OwnerKey, MerchantID: rejected.MerchantID}, nil
}

type gatewayReply struct {
	status *square.CheckoutStatus
	err    error
}

// fakeGateway answers per token; a token without an entry uses fallback.
type fakeGateway struct {
	mu       sync.Mutex
	byToken  map[string]gatewayReply
	fallback gatewayReply
	calls    atomic.Int32
	delay    time.Duration
}

func (g *fakeGateway) GetCheckoutStatus(ctx context.Context, checkoutID, token string) (*square.CheckoutStatus, error) {
	g.calls.Add(1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	reply, ok := g.byToken[token]
	if !ok {
		reply = g.fallback
	}
	if reply.err != nil {
		return nil, reply.err
	}
	status := *reply.status
	status.CheckoutID = checkoutID
	return &status, nil
}

func paidStatus(amount int64) *square.CheckoutStatus {
	return &square.CheckoutStatus{
		Status:      enums.GatewayStatusPaid,
		RawStatus:   "COMPLETED",
		AmountMinor: amount,
		Currency:    "GBP",
		Raw:         []byte(fmt.Sprintf(`{"payment":{"status":"COMPLETED","amount_money":{"amount":%d,"currency":"GBP"}}}`, amount)),
	}
}

func pendingStatus() *square.CheckoutStatus {
	return &square.CheckoutStatus{
		Status:    enums.GatewayStatusPending,
		RawStatus: "APPROVED",
		Currency:  "GBP",
		Raw:       []byte(`{"payment":{"status":"APPROVED"}}`),
	}
}

func failedStatus() *square.CheckoutStatus {
	return &square.CheckoutStatus{
		Status:    enums.GatewayStatusFailed,
		RawStatus: "FAILED",
		Currency:  "GBP",
		Raw:       []byte(`{"payment":{"status":"FAILED"}}`),
	}
}

type fakeFulfiller struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (f *fakeFulfiller) Fulfill(ctx context.Context, order models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, order.ID)
	return f.err
}

func (f *fakeFulfiller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingRaiser struct {
	mu     sync.Mutex
	raised []alerts.Alert
	seen   map[string]bool
}

// Raise dedupes on key for the lifetime of the fake.
func (r *recordingRaiser) Raise(ctx context.Context, alert alerts.Alert) (alerts.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if r.seen[alert.DedupeKey] {
		return alerts.ResultSuppressed, nil
	}
	r.seen[alert.DedupeKey] = true
	r.raised = append(r.raised, alert)
	return alerts.ResultSent, nil
}

func (r *recordingRaiser) all() []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerts.Alert, len(r.raised))
	copy(out, r.raised)
	return out
}

// fakeQueue holds enqueued alerts until Deliver hands them to the raiser.
type fakeQueue struct {
	mu        sync.Mutex
	raiser    alerts.Raiser
	pending   map[uuid.UUID]alerts.Alert
	failNext  int
	delivered int
}

func newFakeQueue(raiser alerts.Raiser) *fakeQueue {
	return &fakeQueue{raiser: raiser, pending: map[uuid.UUID]alerts.Alert{}}
}

func (q *fakeQueue) Enqueue(ctx context.Context, tx *gorm.DB, alert alerts.Alert) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.New()
	q.pending[id] = alert
	return id, nil
}

func (q *fakeQueue) Deliver(ctx context.Context, ids []uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.failNext > 0 {
		q.failNext--
		return fmt.Errorf("pager unreachable")
	}
	for _, id := range ids {
		alert, ok := q.pending[id]
		if !ok {
			continue
		}
		if _, err := q.raiser.Raise(ctx, alert); err != nil {
			return err
		}
		delete(q.pending, id)
		q.delivered++
	}
	return nil
}

func (q *fakeQueue) undelivered() []alerts.Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]alerts.Alert, 0, len(q.pending))
	for _, alert := range q.pending {
		out = append(out, alert)
	}
	return out
}

type harness struct {
	ledger    *fakeLedger
	tokens    *fakeTokens
	gateway   *fakeGateway
	fulfiller *fakeFulfiller
	raiser    *recordingRaiser
	queue     *fakeQueue
	verifier  *Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger:    newFakeLedger(),
		tokens:    &fakeTokens{current: "token-1", refreshedTo: "token-2"},
		gateway:   &fakeGateway{byToken: map[string]gatewayReply{}},
		fulfiller: &fakeFulfiller{},
		raiser:    &recordingRaiser{},
	}
	h.queue = newFakeQueue(h.raiser)
	verifier, err := NewVerifier(VerifierParams{
		Repo:        h.ledger,
		DB:          &lockingTxRunner{},
		Tokens:      h.tokens,
		Gateway:     h.gateway,
		Fulfiller:   h.fulfiller,
		Alerts:      h.queue,
		Policy:      testPolicy,
		CallTimeout: time.Second,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	verifier.now = func() time.Time { return testNow }
	h.verifier = verifier
	return h
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}
