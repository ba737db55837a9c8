package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/payment-reconciler/api/responses"
	"github.com/angelmondragon/payment-reconciler/api/validators"
	"github.com/angelmondragon/payment-reconciler/internal/credentials"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

// CredentialManager is the operator surface over the credential store.
type CredentialManager interface {
	Connect(ctx context.Context, merchantID string, grant credentials.Grant) error
	Disconnect(ctx context.Context, merchantID string) error
}

type connectCredentialRequest struct {
	MerchantID   string    `json:"merchant_id" validate:"omitempty,max=64"`
	AccessToken  string    `json:"access_token" validate:"required"`
	RefreshToken string    `json:"refresh_token" validate:"required"`
	ExpiresAt    time.Time `json:"expires_at" validate:"required,future"`
}

// CredentialConnect stores a merchant grant, or the platform grant when
// merchant_id is omitted.
func CredentialConnect(store CredentialManager, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credential store unavailable"))
			return
		}
		var req connectCredentialRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		merchantID := strings.TrimSpace(req.MerchantID)
		err := store.Connect(r.Context(), merchantID, credentials.Grant{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		owner := merchantID
		if owner == "" {
			owner = "platform"
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]string{"owner": owner, "status": "connected"})
	}
}

// CredentialDisconnect clears a merchant grant.
func CredentialDisconnect(store CredentialManager, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credential store unavailable"))
			return
		}
		merchantID := strings.TrimSpace(chi.URLParam(r, "merchantId"))
		if err := store.Disconnect(r.Context(), merchantID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"owner": merchantID, "status": "disconnected"})
	}
}
