package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/payment-reconciler/internal/alerts"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/redis"
)

const (
	// DefaultAuthFailureThreshold is how many consecutive failing cycles raise an alert.
	DefaultAuthFailureThreshold = 3
	defaultStreakTTL            = 7 * 24 * time.Hour
)

type streakKeyBuilder interface {
	AuthStreakKey(ownerKey string) string
}

// AuthStreaks counts consecutive cycles in which a credential owner failed
// authorization. Owners not used in a cycle keep their count.
type AuthStreaks struct {
	store     redis.CounterStore
	keys      streakKeyBuilder
	alerts    alerts.Raiser
	threshold int64
	ttl       time.Duration
	logg      *logger.Logger
}

func NewAuthStreaks(store redis.CounterStore, keys streakKeyBuilder, raiser alerts.Raiser, threshold int, logg *logger.Logger) (*AuthStreaks, error) {
	if store == nil {
		return nil, fmt.Errorf("streak store required")
	}
	if keys == nil {
		return nil, fmt.Errorf("streak key builder required")
	}
	if raiser == nil {
		return nil, fmt.Errorf("alert raiser required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if threshold <= 0 {
		threshold = DefaultAuthFailureThreshold
	}
	return &AuthStreaks{
		store:     store,
		keys:      keys,
		alerts:    raiser,
		threshold: int64(threshold),
		ttl:       defaultStreakTTL,
		logg:      logg,
	}, nil
}

// Settle advances or resets streaks from the cycle's authorization results
// and raises an alert for every owner at or past the threshold.
func (s *AuthStreaks) Settle(ctx context.Context, cycle *Cycle) error {
	failed, succeeded := cycle.authOwners()
	var errs error

	for _, owner := range succeeded {
		if err := s.store.Del(ctx, s.keys.AuthStreakKey(owner)); err != nil {
			errs = multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reset auth streak"))
		}
	}

	for _, owner := range failed {
		count, err := s.store.IncrWithTTL(ctx, s.keys.AuthStreakKey(owner), s.ttl)
		if err != nil {
			errs = multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "advance auth streak"))
			continue
		}
		ownerCtx := s.logg.WithFields(ctx, map[string]any{"owner_key": owner, "streak": count})
		if count < s.threshold {
			s.logg.Warn(ownerCtx, "authorization failed this cycle")
			continue
		}
		s.logg.Warn(ownerCtx, "authorization failure persisted past threshold")
		if _, err := s.alerts.Raise(ctx, alerts.Alert{
			Class:     enums.AlertClassAuthFailure,
			Severity:  enums.AlertSeverityCritical,
			DedupeKey: fmt.Sprintf("%s:%s", enums.AlertClassAuthFailure, owner),
			Summary:   fmt.Sprintf("gateway authorization failing for %s", owner),
			CycleID:   cycle.ID,
			Details: map[string]any{
				"owner_key":          owner,
				"consecutive_cycles": count,
				"threshold":          s.threshold,
			},
		}); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
