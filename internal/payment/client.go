// Package payment is the HTTP client for the external charge/transfer
// primitive. Both calls are fire-once: retrying is the billing engine's
// decision, never this client's.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type chargeRequest struct {
	PayerID     domain.ParticipantID `json:"payer_id"`
	AmountMinor int64                `json:"amount_minor"`
	SessionID   domain.SessionID     `json:"session_id"`
}

type transferRequest struct {
	ProviderID  domain.ParticipantID `json:"provider_id"`
	AmountMinor int64                `json:"amount_minor"`
	SessionID   domain.SessionID     `json:"session_id"`
}

func (c *Client) Charge(ctx context.Context, payerID domain.ParticipantID, amountMinor int64, sessionID domain.SessionID) error {
	return c.post(ctx, "/charges", chargeRequest{payerID, amountMinor, sessionID})
}

func (c *Client) Transfer(ctx context.Context, providerID domain.ParticipantID, amountMinor int64, sessionID domain.SessionID) error {
	return c.post(ctx, "/transfers", transferRequest{providerID, amountMinor, sessionID})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("module", "payment").Str("path", path).Int("status", resp.StatusCode).Msg("gateway rejected request")
		return fmt.Errorf("gateway %s: status %d", path, resp.StatusCode)
	}
	return nil
}
