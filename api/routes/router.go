package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/payment-reconciler/api/controllers"
	"github.com/angelmondragon/payment-reconciler/api/middleware"
	"github.com/angelmondragon/payment-reconciler/internal/orders"
	"github.com/angelmondragon/payment-reconciler/pkg/config"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

// NewRouter mounts the public redirect endpoint, health probes, metrics and
// the operator-only internal routes.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisP controllers.Pinger,
	gatherer prometheus.Gatherer,
	marker orders.PendingMarker,
	runner controllers.CycleRunner,
	credentialStore controllers.CredentialManager,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/checkout", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))
		r.Get("/return", controllers.CheckoutReturn(marker, logg))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.OperatorToken(cfg.Admin.TriggerToken, logg))
		r.Post("/reconcile/run", controllers.ReconcileRun(runner, logg))
		r.Post("/credentials", controllers.CredentialConnect(credentialStore, logg))
		r.Delete("/credentials/{merchantId}", controllers.CredentialDisconnect(credentialStore, logg))
	})

	return r
}
