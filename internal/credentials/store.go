package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/metrics"
	"github.com/angelmondragon/payment-reconciler/pkg/security"
	"github.com/angelmondragon/payment-reconciler/pkg/square"
)

var (
	// ErrRevoked means the grant was rejected by the gateway and the merchant must reconnect.
	ErrRevoked = errors.New("credential revoked or invalid")
	// ErrTransient means the refresh could not complete but may succeed later.
	ErrTransient = errors.New("credential refresh temporarily unavailable")
	// ErrNotConnected means neither the merchant nor the platform has a usable grant.
	ErrNotConnected = errors.New("no connected credential")
)

// OwnerError ties a credential failure to the owner whose grant failed.
type OwnerError struct {
	OwnerKey string
	Err      error
}

func (e *OwnerError) Error() string {
	return fmt.Sprintf("credential %s: %v", e.OwnerKey, e.Err)
}

func (e *OwnerError) Unwrap() error {
	return e.Err
}

// OwnerOf returns the credential owner carried by err, if any.
func OwnerOf(err error) string {
	var ownerErr *OwnerError
	if errors.As(err, &ownerErr) {
		return ownerErr.OwnerKey
	}
	return ""
}

// DefaultRefreshMargin is how close to expiry a token must be before it is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// TokenRefresher exchanges a refresh token at the gateway.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*square.TokenGrant, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Token is a bearer token ready for one gateway call.
type Token struct {
	Value      string
	OwnerKey   string
	MerchantID string
	ExpiresAt  time.Time
}

// Grant is a freshly issued OAuth pair handed over at connection time.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// StoreParams wires the credential store.
type StoreParams struct {
	Repo          Repository
	DB            txRunner
	Gateway       TokenRefresher
	Sealer        *security.Sealer
	RefreshMargin time.Duration
	Logger        *logger.Logger
	Metrics       *metrics.ReconcileMetrics
}

// Store hands out valid bearer tokens, refreshing them transparently.
// Refreshes for one owner are collapsed with singleflight and serialized
// across processes by the credential row lock.
type Store struct {
	repo    Repository
	db      txRunner
	gateway TokenRefresher
	sealer  *security.Sealer
	margin  time.Duration
	logg    *logger.Logger
	metrics *metrics.ReconcileMetrics
	flight  singleflight.Group
	now     func() time.Time
}

// NewStore validates dependencies and applies defaults.
func NewStore(params StoreParams) (*Store, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("credentials repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("token refresher required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	sealer := params.Sealer
	if sealer == nil {
		sealer, _ = security.NewSealer(nil)
	}
	margin := params.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &Store{
		repo:    params.Repo,
		db:      params.DB,
		gateway: params.Gateway,
		sealer:  sealer,
		margin:  margin,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     time.Now,
	}, nil
}

// Resolve returns a valid token for the merchant, or for the platform when
// the merchant is empty or has no connected grant.
func (s *Store) Resolve(ctx context.Context, merchantID string) (*Token, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID != "" {
		cred, err := s.repo.FindByOwner(ctx, models.OwnerKeyFor(merchantID))
		switch {
		case err == nil && cred.Connected:
			return s.ensureFresh(ctx, cred)
		case err != nil && !isNotFound(err):
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load merchant credential")
		}
	}

	cred, err := s.repo.FindByOwner(ctx, models.PlatformOwnerKey)
	if err != nil {
		if isNotFound(err) {
			return nil, &OwnerError{OwnerKey: models.PlatformOwnerKey, Err: ErrNotConnected}
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load platform credential")
	}
	if !cred.Connected {
		return nil, &OwnerError{OwnerKey: models.PlatformOwnerKey, Err: ErrNotConnected}
	}
	return s.ensureFresh(ctx, cred)
}

// ForceRefresh refreshes the grant behind a token the gateway just rejected.
// If another caller already rotated it, the newer token is returned as-is.
func (s *Store) ForceRefresh(ctx context.Context, rejected *Token) (*Token, error) {
	if rejected == nil || rejected.OwnerKey == "" {
		return nil, ErrNotConnected
	}
	return s.refresh(ctx, rejected.OwnerKey, rejected.Value)
}

// Connect stores a new grant for a merchant, or the platform when merchantID is empty.
func (s *Store) Connect(ctx context.Context, merchantID string, grant Grant) error {
	if strings.TrimSpace(grant.AccessToken) == "" || strings.TrimSpace(grant.RefreshToken) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "access and refresh tokens are required")
	}
	if grant.ExpiresAt.IsZero() {
		return pkgerrors.New(pkgerrors.CodeValidation, "token expiry is required")
	}
	access, err := s.sealer.Seal(grant.AccessToken)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal access token")
	}
	refresh, err := s.sealer.Seal(grant.RefreshToken)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal refresh token")
	}

	merchantID = strings.TrimSpace(merchantID)
	now := s.now().UTC()
	cred := &models.Credential{
		OwnerKey:     models.OwnerKeyFor(merchantID),
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    grant.ExpiresAt.UTC(),
		Connected:    true,
		RefreshedAt:  &now,
		UpdatedAt:    now,
	}
	if merchantID != "" {
		cred.MerchantID = &merchantID
	}
	if err := s.repo.Upsert(ctx, cred); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store credential")
	}
	s.logg.Info(s.logg.WithMerchantID(ctx, merchantID), "credential connected")
	return nil
}

// BootstrapPlatform seeds the platform grant from configuration when none is
// stored yet. The expiry is unknown, so the first use refreshes it.
func (s *Store) BootstrapPlatform(ctx context.Context, accessToken, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	_, err := s.repo.FindByOwner(ctx, models.PlatformOwnerKey)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load platform credential")
	}
	if strings.TrimSpace(accessToken) == "" {
		accessToken = "bootstrap"
	}
	return s.Connect(ctx, "", Grant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    s.now().UTC(),
	})
}

// Disconnect clears a merchant grant; later lookups fall back to the platform.
func (s *Store) Disconnect(ctx context.Context, merchantID string) error {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "merchant id required")
	}
	if err := s.repo.Disconnect(ctx, models.OwnerKeyFor(merchantID)); err != nil {
		if isNotFound(err) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "credential not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "disconnect credential")
	}
	s.logg.Info(s.logg.WithMerchantID(ctx, merchantID), "credential disconnected")
	return nil
}

func (s *Store) ensureFresh(ctx context.Context, cred *models.Credential) (*Token, error) {
	if s.isFresh(cred) {
		return s.tokenFor(cred)
	}
	return s.refresh(ctx, cred.OwnerKey, "")
}

func (s *Store) isFresh(cred *models.Credential) bool {
	return s.now().Add(s.margin).Before(cred.ExpiresAt)
}

// refresh runs at most one refresh per owner key at a time. A non-empty
// rejected value forces a refresh unless the stored token already differs.
func (s *Store) refresh(ctx context.Context, ownerKey, rejected string) (*Token, error) {
	flightKey := ownerKey
	if rejected != "" {
		flightKey += ":force"
	}
	result, err, _ := s.flight.Do(flightKey, func() (any, error) {
		return s.refreshLocked(ctx, ownerKey, rejected)
	})
	if err != nil {
		return nil, err
	}
	token := *result.(*Token)
	return &token, nil
}

func (s *Store) refreshLocked(ctx context.Context, ownerKey, rejected string) (*Token, error) {
	ctx = s.logg.WithField(ctx, "owner_key", ownerKey)
	var (
		token      *Token
		refreshErr error
	)
	txErr := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		cred, err := repo.LockByOwner(ctx, ownerKey)
		if err != nil {
			if isNotFound(err) {
				return ErrNotConnected
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock credential")
		}
		if !cred.Connected {
			return ErrNotConnected
		}

		current, err := s.tokenFor(cred)
		if err != nil {
			return err
		}
		if rejected == "" && s.isFresh(cred) {
			token = current
			return nil
		}
		if rejected != "" && current.Value != rejected && s.isFresh(cred) {
			token = current
			return nil
		}

		refreshToken, err := s.sealer.Open(cred.RefreshToken)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open refresh token")
		}
		grant, err := s.gateway.RefreshToken(ctx, refreshToken)
		if err != nil {
			refreshErr = classifyRefreshError(err)
			return refreshErr
		}

		sealedAccess, err := s.sealer.Seal(grant.AccessToken)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal access token")
		}
		nextRefresh := grant.RefreshToken
		if nextRefresh == "" {
			nextRefresh = refreshToken
		}
		sealedRefresh, err := s.sealer.Seal(nextRefresh)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "seal refresh token")
		}
		now := s.now().UTC()
		if err := repo.UpdateTokens(ctx, ownerKey, sealedAccess, sealedRefresh, grant.ExpiresAt, now); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist refreshed credential")
		}
		token = &Token{
			Value:      grant.AccessToken,
			OwnerKey:   ownerKey,
			MerchantID: current.MerchantID,
			ExpiresAt:  grant.ExpiresAt.UTC(),
		}
		return nil
	})

	if refreshErr != nil {
		refreshErr = &OwnerError{OwnerKey: ownerKey, Err: refreshErr}
		s.metrics.IncTokenRefresh(refreshResult(refreshErr))
		if recErr := s.repo.RecordRefreshError(ctx, ownerKey, refreshErr.Error()); recErr != nil {
			s.logg.Warn(s.logg.WithFields(ctx, pkgerrors.Dump(recErr).Fields()), "failed to record refresh error")
		}
		s.logg.Warn(s.logg.WithField(ctx, "error", refreshErr.Error()), "credential refresh failed")
		return nil, refreshErr
	}
	if txErr != nil {
		if errors.Is(txErr, ErrNotConnected) {
			return nil, &OwnerError{OwnerKey: ownerKey, Err: txErr}
		}
		return nil, txErr
	}
	if token.ExpiresAt.IsZero() || !s.now().Before(token.ExpiresAt) {
		return nil, fmt.Errorf("%w: gateway issued an already expired token", ErrTransient)
	}
	s.metrics.IncTokenRefresh("ok")
	s.logg.Info(ctx, "credential ready")
	return token, nil
}

func (s *Store) tokenFor(cred *models.Credential) (*Token, error) {
	access, err := s.sealer.Open(cred.AccessToken)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open access token")
	}
	merchant := ""
	if cred.MerchantID != nil {
		merchant = *cred.MerchantID
	}
	return &Token{
		Value:      access,
		OwnerKey:   cred.OwnerKey,
		MerchantID: merchant,
		ExpiresAt:  cred.ExpiresAt,
	}, nil
}

func classifyRefreshError(err error) error {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeUnauthorized, pkgerrors.CodeForbidden, pkgerrors.CodeValidation, pkgerrors.CodeNotFound:
		return fmt.Errorf("%w: %v", ErrRevoked, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

func refreshResult(err error) string {
	if errors.Is(err, ErrRevoked) {
		return "revoked"
	}
	return "transient"
}
