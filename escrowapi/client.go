package escrowapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"escrowdesk/auth"
	"escrowdesk/dispute"
	"escrowdesk/escrow"
)

const maxErrorBody = 4096

// Client talks to the escrow admin API. A Client carries at most one bearer
// token; WithToken returns a copy bound to another one.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Login exchanges credentials for a token. The receiver is not modified.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/admin/auth/login", auth.LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

func (c *Client) Profile(ctx context.Context) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/api/admin/auth/profile", nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (escrow.Transaction, error) {
	var out Transaction
	if err := c.do(ctx, http.MethodGet, "/escrow/transactions/"+url.PathEscape(id), nil, &out); err != nil {
		return escrow.Transaction{}, err
	}
	return out.Domain(), nil
}

func (c *Client) List(ctx context.Context, filter escrow.Filter) (escrow.Page, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Page > 0 {
		q.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(filter.PageSize))
	}
	path := "/escrow/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out Page
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return escrow.Page{}, err
	}
	return out.Domain(), nil
}

func (c *Client) Timeline(ctx context.Context, id string) ([]escrow.AuditEntry, error) {
	var out []AuditEntry
	if err := c.do(ctx, http.MethodGet, "/escrow/transactions/"+url.PathEscape(id)+"/timeline", nil, &out); err != nil {
		return nil, err
	}
	entries := make([]escrow.AuditEntry, 0, len(out))
	for _, a := range out {
		entries = append(entries, a.Domain())
	}
	return entries, nil
}

func (c *Client) Resolve(ctx context.Context, id string, req escrow.ResolveRequest) (escrow.Transaction, error) {
	out, err := c.ResolveOutcome(ctx, id, req)
	if err != nil {
		return escrow.Transaction{}, err
	}
	return out.Transaction.Domain(), nil
}

// ResolveOutcome is Resolve with the audit entry and funds status included.
func (c *Client) ResolveOutcome(ctx context.Context, id string, req escrow.ResolveRequest) (ResolveResponse, error) {
	body := ResolveRequest{Action: string(req.Action), Notes: req.Notes, ExpectedVersion: req.ExpectedVersion}
	if req.Split != nil {
		body.SplitAmounts = &Split{Customer: req.Split.Customer, Merchant: req.Split.Merchant}
	}
	var out ResolveResponse
	err := c.do(ctx, http.MethodPost, "/escrow/transactions/"+url.PathEscape(id)+"/resolve", body, &out)
	return out, err
}

func (c *Client) EarlyRelease(ctx context.Context, id, justification string, expectedVersion int64) (ResolveResponse, error) {
	var out ResolveResponse
	err := c.do(ctx, http.MethodPost, "/escrow/transactions/"+url.PathEscape(id)+"/release",
		EarlyReleaseRequest{Justification: justification, ExpectedVersion: expectedVersion}, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (escrow.Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/escrow/stats", nil, &out); err != nil {
		return escrow.Stats{}, err
	}
	return out.Domain(), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("escrowapi: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("escrowapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", escrow.ErrNetwork, ctxErr)
		}
		return fmt.Errorf("%w: %s %s: %v", escrow.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", escrow.ErrNetwork, err)
	}
	return nil
}

// decodeError turns a non-2xx response into the matching escrow sentinel.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body Error
	if err := json.Unmarshal(raw, &body); err == nil && body.Kind != "" {
		return escrow.FromKind(escrow.ErrorKind(body.Kind), body.Message)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return escrow.ErrSessionExpired
	case http.StatusForbidden:
		return escrow.ErrAuthorization
	case http.StatusNotFound:
		return escrow.ErrNotFound
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: upstream status %d", escrow.ErrNetwork, resp.StatusCode)
	}
	return fmt.Errorf("escrowapi: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

// IsNetwork reports whether err means the request may not have reached the server.
func IsNetwork(err error) bool {
	return errors.Is(err, escrow.ErrNetwork)
}

var _ dispute.Gateway = (*Client)(nil)
