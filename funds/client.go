// Package funds is the client for the external funds-movement service.
package funds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"escrowdesk/escrow"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client posts disbursement instructions. It never retries; the idempotency
// key lets the funds service deduplicate redeliveries from the outbox.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type disbursementRequest struct {
	TransactionID  string `json:"transactionId"`
	OrderID        string `json:"orderId"`
	Currency       string `json:"currency"`
	CustomerAmount string `json:"customerAmount"`
	MerchantAmount string `json:"merchantAmount"`
	Reason         string `json:"reason"`
}

func (c *Client) Disburse(ctx context.Context, d escrow.Disbursement) error {
	body, err := json.Marshal(disbursementRequest{
		TransactionID:  d.TransactionID,
		OrderID:        d.OrderID,
		Currency:       d.Currency,
		CustomerAmount: d.Customer.StringFixed(2),
		MerchantAmount: d.Merchant.StringFixed(2),
		Reason:         string(d.Reason),
	})
	if err != nil {
		return fmt.Errorf("funds: marshal disbursement: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/disbursements", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("funds: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.IdempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("funds: send disbursement %s: %w", d.IdempotencyKey, err)
	}
	defer resp.Body.Close()

	// 409 means the key was already accepted.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("funds: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

var _ escrow.FundsMover = (*Client)(nil)
