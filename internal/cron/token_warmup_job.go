package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/payment-reconciler/internal/credentials"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

type platformTokenResolver interface {
	Resolve(ctx context.Context, merchantID string) (*credentials.Token, error)
}

// TokenWarmupJobParams configure the platform credential warm-up.
type TokenWarmupJobParams struct {
	Logger *logger.Logger
	Tokens platformTokenResolver
}

// NewTokenWarmupJob refreshes the platform credential ahead of the sweep so
// the first orders of a cycle do not all queue behind one refresh.
func NewTokenWarmupJob(params TokenWarmupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Tokens == nil {
		return nil, fmt.Errorf("token resolver required")
	}
	return &tokenWarmupJob{logg: params.Logger, tokens: params.Tokens}, nil
}

type tokenWarmupJob struct {
	logg   *logger.Logger
	tokens platformTokenResolver
}

func (j *tokenWarmupJob) Name() string { return "token-warmup" }

func (j *tokenWarmupJob) Run(ctx context.Context) error {
	token, err := j.tokens.Resolve(ctx, "")
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			j.logg.Warn(ctx, "no platform credential connected; merchant credentials only")
			return nil
		}
		return fmt.Errorf("warm platform credential: %w", err)
	}
	j.logg.Debug(j.logg.WithField(ctx, "expires_at", token.ExpiresAt), "platform credential ready")
	return nil
}
