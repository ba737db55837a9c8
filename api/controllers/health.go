package controllers

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/payment-reconciler/api/responses"
	"github.com/angelmondragon/payment-reconciler/pkg/config"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

const readyTimeout = 2 * time.Second

// Pinger is any dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-PayRecon-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings the ledger database and Redis concurrently.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP Pinger, redisP Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-PayRecon-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := map[string]string{"database": "ok", "redis": "ok"}
		results := make([]error, 2)
		g, gctx := errgroup.WithContext(ctx)
		for i, p := range []Pinger{dbP, redisP} {
			i, p := i, p
			g.Go(func() error {
				if p == nil {
					results[i] = pkgerrors.New(pkgerrors.CodeDependency, "not configured")
					return nil
				}
				results[i] = p.Ping(gctx)
				return nil
			})
		}
		_ = g.Wait()

		ready := true
		for i, name := range []string{"database", "redis"} {
			if results[i] != nil {
				ready = false
				checks[name] = "unavailable"
			}
		}
		if !ready {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
