package alerts

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

func TestRaiseSuppressesWithinCooldown(t *testing.T) {
	h := newDispatcherHarness(t)
	alert := Alert{
		Class:     enums.AlertClassStaleOrder,
		Severity:  enums.AlertSeverityWarning,
		DedupeKey: "stale_order:ord-1",
		Summary:   "order expired",
	}

	res, err := h.dispatcher.Raise(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)

	h.clock = h.clock.Add(30 * time.Minute)
	res, err = h.dispatcher.Raise(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, ResultSuppressed, res)
	assert.Len(t, h.notifier.sent, 1)

	h.clock = h.clock.Add(31 * time.Minute)
	res, err = h.dispatcher.Raise(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
	assert.Len(t, h.notifier.sent, 2)
}

func TestRaiseRoutesBySeverity(t *testing.T) {
	h := newDispatcherHarness(t)
	_, err := h.dispatcher.Raise(context.Background(), Alert{
		Class:     enums.AlertClassAmountMismatch,
		Severity:  enums.AlertSeverityCritical,
		DedupeKey: "amount_mismatch:ord-1",
		Summary:   "gateway amount differs",
		CycleID:   "cycle-1",
		Details:   map[string]any{"order_total_minor": int64(5090), "gateway_amount_minor": int64(4000)},
	})
	require.NoError(t, err)
	_, err = h.dispatcher.Raise(context.Background(), Alert{
		Class:     enums.AlertClassStaleOrder,
		Severity:  enums.AlertSeverityWarning,
		DedupeKey: "stale_order:ord-2",
		Summary:   "order expired",
	})
	require.NoError(t, err)

	require.Len(t, h.notifier.sent, 3)
	assert.Equal(t, "oncall-a", h.notifier.sent[0].recipient)
	assert.Equal(t, "oncall-b", h.notifier.sent[1].recipient)
	assert.Equal(t, "ops", h.notifier.sent[2].recipient)

	critical := h.notifier.sent[0]
	assert.True(t, strings.HasPrefix(critical.subject, "[CRITICAL] amount_mismatch"))
	assert.Contains(t, critical.body, "order_total_minor: 5090")
	assert.Contains(t, critical.body, "gateway_amount_minor: 4000")
	assert.Contains(t, critical.body, "cycle_id: cycle-1")
}

func TestRaiseReleasesKeyWhenDeliveryFails(t *testing.T) {
	h := newDispatcherHarness(t)
	h.notifier.err = errors.New("smtp down")
	alert := Alert{Class: enums.AlertClassStuckOrder, Severity: enums.AlertSeverityCritical, DedupeKey: "stuck_order:ord-9", Summary: "stuck"}

	res, err := h.dispatcher.Raise(context.Background(), alert)
	require.Error(t, err)
	assert.Equal(t, ResultFailed, res)
	assert.Empty(t, h.store.values)

	h.notifier.err = nil
	res, err = h.dispatcher.Raise(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
}

func TestRaiseSendsWhenDedupeStoreUnavailable(t *testing.T) {
	h := newDispatcherHarness(t)
	h.store.err = errors.New("redis down")

	res, err := h.dispatcher.Raise(context.Background(), Alert{Class: enums.AlertClassLedgerUnavailable, Severity: enums.AlertSeverityCritical, DedupeKey: "ledger_unavailable", Summary: "db down"})
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
}

func TestRaiseValidatesInput(t *testing.T) {
	h := newDispatcherHarness(t)
	_, err := h.dispatcher.Raise(context.Background(), Alert{Severity: enums.AlertSeverityCritical})
	require.Error(t, err)
	_, err = h.dispatcher.Raise(context.Background(), Alert{Severity: "info", DedupeKey: "k"})
	require.Error(t, err)
}

func TestNewDispatcherDefaultsWarningRecipients(t *testing.T) {
	h := newDispatcherHarness(t)
	d, err := NewDispatcher(DispatcherParams{
		Store:              h.store,
		Keys:               h.store,
		Notifier:           h.notifier,
		CriticalRecipients: []string{" oncall "},
		Logger:             logger.New(logger.Options{Output: io.Discard}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"oncall"}, d.recipients[enums.AlertSeverityWarning])
	assert.Equal(t, DefaultCooldown, d.cooldown)

	_, err = NewDispatcher(DispatcherParams{Store: h.store, Keys: h.store, Notifier: h.notifier, Logger: logger.New(logger.Options{Output: io.Discard})})
	require.Error(t, err)
}

type dispatcherHarness struct {
	dispatcher *Dispatcher
	store      *fakeMarkerStore
	notifier   *recordingNotifier
	clock      time.Time
}

func newDispatcherHarness(t *testing.T) *dispatcherHarness {
	t.Helper()
	h := &dispatcherHarness{
		notifier: &recordingNotifier{},
		clock:    time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	h.store = &fakeMarkerStore{values: map[string]fakeEntry{}, now: func() time.Time { return h.clock }}
	d, err := NewDispatcher(DispatcherParams{
		Store:              h.store,
		Keys:               h.store,
		Notifier:           h.notifier,
		Cooldown:           time.Hour,
		CriticalRecipients: []string{"oncall-a", "oncall-b"},
		WarningRecipients:  []string{"ops"},
		Logger:             logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	d.now = func() time.Time { return h.clock }
	h.dispatcher = d
	return h
}

type sentMessage struct {
	recipient string
	subject   string
	body      string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{recipient: recipient, subject: subject, body: body})
	return nil
}

type fakeEntry struct {
	value     string
	expiresAt time.Time
}

type fakeMarkerStore struct {
	mu     sync.Mutex
	values map[string]fakeEntry
	now    func() time.Time
	err    error
}

func (s *fakeMarkerStore) AlertDedupeKey(key string) string { return "rc:alert:" + key }

func (s *fakeMarkerStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.values[key]
	if !ok || !s.now().Before(entry.expiresAt) {
		return "", goredis.Nil
	}
	return entry.value, nil
}

func (s *fakeMarkerStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if entry, ok := s.values[key]; ok && s.now().Before(entry.expiresAt) {
		return false, nil
	}
	s.values[key] = fakeEntry{value: value.(string), expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *fakeMarkerStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}
