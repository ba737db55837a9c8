package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/payment-reconciler/pkg/db/models"
)

type orderPayload struct {
	OrderID      string `json:"order_id"`
	Reference    string `json:"reference"`
	TotalMinor   int64  `json:"total_minor"`
	Currency     string `json:"currency"`
	TotalDisplay string `json:"total_display"`
}

type confirmationPayload struct {
	Order     orderPayload `json:"order"`
	Artifacts *Artifacts   `json:"artifacts"`
}

// HTTPCollaborator calls the external fulfillment service for both artifact
// generation and confirmation delivery. The order id doubles as idempotency key.
type HTTPCollaborator struct {
	baseURL string
	client  *http.Client
}

func NewHTTPCollaborator(baseURL string, timeout time.Duration) (*HTTPCollaborator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("fulfillment base url required")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPCollaborator{baseURL: baseURL, client: &http.Client{Timeout: timeout}}, nil
}

func (c *HTTPCollaborator) GenerateArtifacts(ctx context.Context, order models.Order) (*Artifacts, error) {
	var out Artifacts
	if err := c.post(ctx, "/artifacts", order.ID.String(), toOrderPayload(order), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPCollaborator) SendConfirmation(ctx context.Context, order models.Order, artifacts *Artifacts) error {
	return c.post(ctx, "/confirmations", order.ID.String(), confirmationPayload{
		Order:     toOrderPayload(order),
		Artifacts: artifacts,
	}, nil)
}

func (c *HTTPCollaborator) post(ctx context.Context, path, idempotencyKey string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fulfillment %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode fulfillment %s response: %w", path, err)
	}
	return nil
}

func toOrderPayload(order models.Order) orderPayload {
	return orderPayload{
		OrderID:      order.ID.String(),
		Reference:    order.Reference,
		TotalMinor:   order.TotalMinor,
		Currency:     string(order.Currency),
		TotalDisplay: order.Currency.FormatMinor(order.TotalMinor),
	}
}
