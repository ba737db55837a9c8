package square

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/payment-reconciler/pkg/config"
	"github.com/angelmondragon/payment-reconciler/pkg/enums"
	pkgerrors "github.com/angelmondragon/payment-reconciler/pkg/errors"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	grantTypeRefresh = "refresh_token"
)

var (
	errApplicationRequired = errors.New("square application id and secret are required")
	errInvalidSquareEnv    = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired      = errors.New("square logger is required")
	errTokenRequired       = errors.New("square bearer token is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// Client is a stateless gateway wrapper. Every call carries its own bearer
// token and nothing is retried here.
type Client struct {
	sdk               *sqclient.Client
	environment       string
	baseURL           string
	applicationID     string
	applicationSecret string
	logger            *logger.Logger
}

// CheckoutStatus is the gateway's view of a single payment attempt.
type CheckoutStatus struct {
	CheckoutID  string
	Status      enums.GatewayStatus
	RawStatus   string
	AmountMinor int64
	Currency    string
	Raw         []byte
}

// TokenGrant is the result of an OAuth refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	MerchantID   string
}

// NewClient initializes the Square wrapper and validates the application credentials.
func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}
	appID := strings.TrimSpace(cfg.ApplicationID)
	appSecret := strings.TrimSpace(cfg.ApplicationSecret)
	if appID == "" || appSecret == "" {
		return nil, errApplicationRequired
	}

	baseURL := baseURLs[env]
	opts := []sqoption.RequestOption{sqoption.WithBaseURL(baseURL)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, sqoption.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	}

	c := &Client{
		sdk:               sqclient.NewClient(opts...),
		environment:       env,
		baseURL:           baseURL,
		applicationID:     appID,
		applicationSecret: appSecret,
		logger:            logg,
	}
	logg.Info(ctx, "square client initialized")
	return c, nil
}

// Environment reports the normalized Square environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// GetCheckoutStatus looks up the payment behind a checkout using the given bearer token.
func (c *Client) GetCheckoutStatus(ctx context.Context, checkoutID, token string) (*CheckoutStatus, error) {
	if strings.TrimSpace(token) == "" {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, errTokenRequired, "square get payment failed")
	}
	c.log(ctx, "request", "get_payment", map[string]any{"payment_id": checkoutID})

	resp, err := c.sdk.Payments.Get(ctx, &sq.GetPaymentsRequest{PaymentID: checkoutID}, sqoption.WithToken(token))
	if err != nil {
		c.log(ctx, "error", "get_payment", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "get payment")
	}

	status, err := checkoutStatusFromPayment(checkoutID, resp.GetPayment())
	if err != nil {
		return nil, err
	}
	c.log(ctx, "response", "get_payment", map[string]any{
		"payment_id": checkoutID,
		"status":     status.RawStatus,
		"amount":     status.AmountMinor,
		"currency":   status.Currency,
	})
	return status, nil
}

// RefreshToken exchanges a refresh token for a new access grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, errTokenRequired, "square obtain token failed")
	}
	c.log(ctx, "request", "obtain_token", map[string]any{"grant_type": grantTypeRefresh})

	resp, err := c.sdk.OAuth.ObtainToken(ctx, &sq.ObtainTokenRequest{
		ClientID:     c.applicationID,
		ClientSecret: ptrString(c.applicationSecret),
		GrantType:    grantTypeRefresh,
		RefreshToken: ptrString(refreshToken),
	})
	if err != nil {
		c.log(ctx, "error", "obtain_token", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "obtain token")
	}

	grant, err := tokenGrantFromResponse(resp, refreshToken)
	if err != nil {
		return nil, err
	}
	c.log(ctx, "response", "obtain_token", map[string]any{
		"merchant_id": grant.MerchantID,
		"expires_at":  grant.ExpiresAt.Format(time.RFC3339),
	})
	return grant, nil
}

func checkoutStatusFromPayment(checkoutID string, payment *sq.Payment) (*CheckoutStatus, error) {
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "square returned an empty payment")
	}
	rawStatus := stringValue(payment.GetStatus())
	out := &CheckoutStatus{
		CheckoutID: checkoutID,
		Status:     enums.GatewayStatusFromSquare(rawStatus),
		RawStatus:  rawStatus,
	}
	if money := payment.GetAmountMoney(); money != nil {
		if amount := money.GetAmount(); amount != nil {
			out.AmountMinor = *amount
		}
		if currency := money.GetCurrency(); currency != nil {
			out.Currency = string(*currency)
		}
	}
	raw, err := json.Marshal(payment)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode square payment")
	}
	out.Raw = raw
	return out, nil
}

func tokenGrantFromResponse(resp *sq.ObtainTokenResponse, previousRefresh string) (*TokenGrant, error) {
	if resp == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "square returned an empty token response")
	}
	access := stringValue(resp.GetAccessToken())
	if access == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "square token response missing access token")
	}
	grant := &TokenGrant{
		AccessToken:  access,
		RefreshToken: stringValue(resp.GetRefreshToken()),
		MerchantID:   stringValue(resp.GetMerchantID()),
	}
	// Code-flow grants keep their refresh token across refreshes.
	if grant.RefreshToken == "" {
		grant.RefreshToken = previousRefresh
	}
	expires := stringValue(resp.GetExpiresAt())
	if expires == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "square token response missing expiry")
	}
	parsed, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "parse square token expiry")
	}
	grant.ExpiresAt = parsed.UTC()
	return grant, nil
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = c.redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Warn(ctx, fmt.Sprintf("square %s failed", op))
	default:
		c.logger.Debug(ctx, fmt.Sprintf("square %s", phase))
	}
}

func (c *Client) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"token", "secret", "authorization", "card", "email"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func (c *Client) mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf("square %s failed", op)
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) {
		code := domainCodeForStatus(apiErr.StatusCode)
		for _, sqErr := range extractSquareErrors(apiErr) {
			if sqErr == nil {
				continue
			}
			if sqErr.Category == sq.ErrorCategoryAuthenticationError {
				code = pkgerrors.CodeUnauthorized
				break
			}
		}
		return pkgerrors.Wrap(code, err, message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeTimeout, err, message)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, message)
}

func extractSquareErrors(apiErr *sqcore.APIError) []*sq.Error {
	if apiErr == nil {
		return nil
	}
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Errors
}

func domainCodeForStatus(status int) pkgerrors.Code {
	switch status {
	case http.StatusUnauthorized:
		return pkgerrors.CodeUnauthorized
	case http.StatusForbidden:
		return pkgerrors.CodeForbidden
	case http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return pkgerrors.CodeTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return pkgerrors.CodeValidation
	default:
		if status >= 400 && status < 500 {
			return pkgerrors.CodeValidation
		}
		return pkgerrors.CodeDependency
	}
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func ptrString(value string) *string {
	return &value
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = sandboxEnv
	}
	switch env {
	case sandboxEnv, productionEnv:
		return env, nil
	default:
		return "", errInvalidSquareEnv
	}
}
