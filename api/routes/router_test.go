package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/payment-reconciler/internal/credentials"
	"github.com/angelmondragon/payment-reconciler/internal/reconcile"
	"github.com/angelmondragon/payment-reconciler/pkg/config"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/metrics"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error { return nil }

type stubMarker struct{ calls int }

func (s *stubMarker) MarkPendingVerification(context.Context, uuid.UUID, string) (enums.OrderStatus, error) {
	s.calls++
	return enums.OrderStatusPendingVerification, nil
}

type stubRunner struct{ runs int }

func (s *stubRunner) RunCycle(context.Context) (reconcile.Summary, error) {
	s.runs++
	return reconcile.Summary{CycleID: "manual"}, nil
}

type stubCredentials struct{}

func (stubCredentials) Connect(context.Context, string, credentials.Grant) error { return nil }
func (stubCredentials) Disconnect(context.Context, string) error                 { return nil }

func newTestRouter(t *testing.T, token string) (http.Handler, *stubMarker, *stubRunner) {
	t.Helper()
	cfg := &config.Config{
		App:   config.AppConfig{Env: "test", CORSOrigins: []string{"https://shop.example"}},
		Admin: config.AdminConfig{TriggerToken: token},
	}
	logg := logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard})
	reg := prometheus.NewRegistry()
	metrics.NewReconcileMetrics(reg).IncOutcome(string(enums.OutcomeCompleted))
	marker := &stubMarker{}
	runner := &stubRunner{}
	return NewRouter(cfg, logg, stubPinger{}, stubPinger{}, reg, marker, runner, stubCredentials{}), marker, runner
}

func TestHealthRoutes(t *testing.T) {
	router, _, _ := newTestRouter(t, "secret")
	for _, path := range []string{"/health/live", "/health/ready"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		if w.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s: expected request id header", path)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	router, _, _ := newTestRouter(t, "secret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCheckoutReturnRouteIsPublic(t *testing.T) {
	router, marker, _ := newTestRouter(t, "secret")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout/return?order_id="+uuid.NewString(), nil)
	req.Header.Set("Origin", "https://shop.example")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if marker.calls != 1 {
		t.Fatalf("expected one marker call, got %d", marker.calls)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
		t.Fatalf("unexpected CORS origin %q", got)
	}
}

func TestInternalRoutesRequireOperatorToken(t *testing.T) {
	router, _, runner := newTestRouter(t, "secret")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/reconcile/run", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if runner.runs != 0 {
		t.Fatal("cycle ran without operator token")
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile/run", nil)
	req.Header.Set("Authorization", "Bearer secret")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
	if runner.runs != 1 {
		t.Fatalf("expected one run, got %d", runner.runs)
	}
}

func TestInternalRoutesClosedWithoutConfiguredToken(t *testing.T) {
	router, _, runner := newTestRouter(t, "")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile/run", nil)
	req.Header.Set("Authorization", "Bearer anything")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if runner.runs != 0 {
		t.Fatal("cycle ran with routes disabled")
	}
}
