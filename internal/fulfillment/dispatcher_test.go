package fulfillment

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

func TestFulfillRunsCollaboratorsOnce(t *testing.T) {
	h := newFulfillmentHarness(t)
	order := testOrder()

	require.NoError(t, h.dispatcher.Fulfill(context.Background(), order))
	require.NoError(t, h.dispatcher.Fulfill(context.Background(), order))

	assert.Equal(t, 1, h.collab.generated)
	assert.Equal(t, 1, h.collab.sent)
	assert.Contains(t, h.markers.values, "rc:fulfillment:"+order.ID.String())
}

func TestFulfillGeneratorFailureLeavesNoMarker(t *testing.T) {
	h := newFulfillmentHarness(t)
	h.collab.generateErr = errors.New("renderer down")

	err := h.dispatcher.Fulfill(context.Background(), testOrder())
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	assert.Zero(t, h.collab.sent)
	assert.Empty(t, h.markers.values)
}

func TestFulfillSenderFailureLeavesNoMarker(t *testing.T) {
	h := newFulfillmentHarness(t)
	h.collab.sendErr = errors.New("mailer down")
	order := testOrder()

	require.Error(t, h.dispatcher.Fulfill(context.Background(), order))
	assert.Empty(t, h.markers.values)

	h.collab.sendErr = nil
	require.NoError(t, h.dispatcher.Fulfill(context.Background(), order))
	assert.Equal(t, 2, h.collab.generated)
	assert.Equal(t, 1, h.collab.sent)
}

func TestFulfillRefusesWhenMarkerStoreUnavailable(t *testing.T) {
	h := newFulfillmentHarness(t)
	h.markers.getErr = errors.New("redis down")
	order := testOrder()

	err := h.dispatcher.Fulfill(context.Background(), order)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	assert.Zero(t, h.collab.generated)
	assert.Zero(t, h.collab.sent)

	h.markers.getErr = nil
	require.NoError(t, h.dispatcher.Fulfill(context.Background(), order))
	assert.Equal(t, 1, h.collab.sent)
}

func TestFulfillTreatsMissingMarkerAsNotFulfilled(t *testing.T) {
	h := newFulfillmentHarness(t)
	h.markers.getErr = goredis.Nil

	require.NoError(t, h.dispatcher.Fulfill(context.Background(), testOrder()))
	assert.Equal(t, 1, h.collab.sent)
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(DispatcherParams{})
	require.Error(t, err)
}

func testOrder() models.Order {
	return models.Order{
		ID:         uuid.New(),
		Reference:  "ORD-100",
		TotalMinor: 5090,
		Currency:   enums.CurrencyGBP,
		Status:     enums.OrderStatusPendingVerification,
	}
}

type fulfillmentHarness struct {
	dispatcher *Dispatcher
	collab     *fakeCollaborator
	markers    *fakeMarkers
}

func newFulfillmentHarness(t *testing.T) *fulfillmentHarness {
	t.Helper()
	collab := &fakeCollaborator{}
	markers := &fakeMarkers{values: map[string]string{}}
	d, err := NewDispatcher(DispatcherParams{
		Generator: collab,
		Sender:    collab,
		Markers:   markers,
		Keys:      markers,
		Logger:    logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	d.now = func() time.Time { return time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC) }
	return &fulfillmentHarness{dispatcher: d, collab: collab, markers: markers}
}

type fakeCollaborator struct {
	mu          sync.Mutex
	generated   int
	sent        int
	generateErr error
	sendErr     error
}

func (f *fakeCollaborator) GenerateArtifacts(ctx context.Context, order models.Order) (*Artifacts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	f.generated++
	return &Artifacts{Reference: order.Reference, Items: []ArtifactItem{{Kind: "ticket", Code: "QR-1"}}}, nil
}

func (f *fakeCollaborator) SendConfirmation(ctx context.Context, order models.Order, artifacts *Artifacts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent++
	return nil
}

type fakeMarkers struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func (m *fakeMarkers) FulfillmentKey(orderID string) string { return "rc:fulfillment:" + orderID }

func (m *fakeMarkers) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (m *fakeMarkers) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *fakeMarkers) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}
