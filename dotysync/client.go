// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dotysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultPageSize is the page size used for list endpoints.
const DefaultPageSize = 100

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 500 * time.Millisecond
)

// Client is the rate-limited POS API client. Every call passes rate
// admission, attaches a bearer token, and survives one token expiry by
// refreshing and replaying the request once. Connection-level failures are
// retried with exponential backoff behind a circuit breaker; HTTP error
// responses are not retried.
type Client struct {
	http     *http.Client
	tokens   *TokenManager
	limiter  *RateLimiter
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	pageSize int

	maxAttempts int
	backoffBase time.Duration
}

// NewClient creates an API client on top of the token manager and rate
// limiter.
func NewClient(httpClient *http.Client, tokens *TokenManager, limiter *RateLimiter, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dotypos-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		http:        httpClient,
		tokens:      tokens,
		limiter:     limiter,
		breaker:     breaker,
		logger:      logger,
		pageSize:    DefaultPageSize,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

// call performs one API operation end to end and returns the response body.
func (c *Client) call(ctx context.Context, cfg *Configuration, ep endpoint, query url.Values, body []byte, args ...any) ([]byte, error) {
	if err := c.limiter.Admit(ctx, cfg); err != nil {
		return nil, err
	}

	tok, err := c.tokens.Acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reqURL := ep.url(cfg.APIBaseURL, query, args...)
	status, respBody, err := c.doWithBackoff(ctx, ep.method, reqURL, tok, body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		// Token rejected mid-lifetime. Refresh once and replay; a second 401
		// means the credentials themselves are bad.
		c.logger.Info("Token rejected, refreshing and retrying", "cloud_id", cfg.CloudID)
		tok, err = c.tokens.ForceRefresh(ctx, cfg, tok.AccessToken)
		if err != nil {
			return nil, err
		}
		c.limiter.Record(cfg)
		status, respBody, err = c.doWithBackoff(ctx, ep.method, reqURL, tok, body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, &AuthError{Reason: "token rejected after refresh; re-authorization required"}
		}
	}

	switch {
	case status == http.StatusNotFound:
		return nil, ErrNotFound
	case status < 200 || status >= 300:
		return nil, &APIError{Status: status, Body: string(respBody)}
	}
	return respBody, nil
}

// doWithBackoff issues one HTTP request, retrying transport-level failures
// with exponential backoff and jitter. Any HTTP response, success or error,
// ends the retry loop.
func (c *Client) doWithBackoff(ctx context.Context, method, reqURL string, tok *OAuthToken, body []byte) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase * (1 << (attempt - 1))
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			c.logger.Debug("Retrying request", "url", reqURL, "attempt", attempt, "delay", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return 0, nil, &TransientError{Err: err}
			}
		}

		status, respBody, err := c.doOnce(ctx, method, reqURL, tok, body)
		if err == nil {
			return status, respBody, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, &TransientError{Err: err}
		}
		lastErr = err
	}
	return 0, nil, &TransientError{Err: fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)}
}

func (c *Client) doOnce(ctx context.Context, method, reqURL string, tok *OAuthToken, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return 0, nil, err
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	req.Header.Set("Authorization", tokenType+" "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &httpResult{status: resp.StatusCode, body: respBody}, nil
	})
	if err != nil {
		return 0, nil, err
	}
	res := result.(*httpResult)
	return res.status, res.body, nil
}

type httpResult struct {
	status int
	body   []byte
}

// get performs a GET returning the decoded body.
func (c *Client) get(ctx context.Context, cfg *Configuration, ep endpoint, query url.Values, out any, args ...any) error {
	body, err := c.call(ctx, cfg, ep, query, nil, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", ep.path, err)
	}
	return nil
}

// GetCloud fetches cloud metadata for the configuration.
func (c *Client) GetCloud(ctx context.Context, cfg *Configuration) (*Cloud, error) {
	var cloud Cloud
	if err := c.get(ctx, cfg, opGetCloud, nil, &cloud, cfg.CloudID); err != nil {
		return nil, err
	}
	return &cloud, nil
}

// TestConnection verifies credentials and connectivity by fetching the
// cloud record.
func (c *Client) TestConnection(ctx context.Context, cfg *Configuration) error {
	if _, err := c.GetCloud(ctx, cfg); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// GetCustomer fetches one customer by external id.
func (c *Client) GetCustomer(ctx context.Context, cfg *Configuration, id string) (*Customer, error) {
	var customer Customer
	if err := c.get(ctx, cfg, opGetCustomer, nil, &customer, cfg.CloudID, id); err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetProduct fetches one product by external id.
func (c *Client) GetProduct(ctx context.Context, cfg *Configuration, id string) (*Product, error) {
	var product Product
	if err := c.get(ctx, cfg, opGetProduct, nil, &product, cfg.CloudID, id); err != nil {
		return nil, err
	}
	return &product, nil
}

// GetOrder fetches one order with full item and payment detail.
func (c *Client) GetOrder(ctx context.Context, cfg *Configuration, id string) (*Order, error) {
	var order Order
	if err := c.get(ctx, cfg, opGetOrder, nil, &order, cfg.CloudID, id); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListCustomers returns a page iterator over all customers.
func (c *Client) ListCustomers(cfg *Configuration) *PageIter {
	return c.newPageIter(cfg, opListCustomers, nil, cfg.CloudID)
}

// ListProducts returns a page iterator over all products.
func (c *Client) ListProducts(cfg *Configuration) *PageIter {
	return c.newPageIter(cfg, opListProducts, nil, cfg.CloudID)
}

// ListOrders returns a page iterator over orders created within [from, to).
func (c *Client) ListOrders(cfg *Configuration, from, to time.Time) *PageIter {
	query := url.Values{}
	if !from.IsZero() {
		query.Set("dateFrom", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		query.Set("dateTo", to.UTC().Format(time.RFC3339))
	}
	return c.newPageIter(cfg, opListOrders, query, cfg.CloudID)
}

// ListPaymentMethods fetches all payment methods defined on the cloud.
func (c *Client) ListPaymentMethods(ctx context.Context, cfg *Configuration) ([]json.RawMessage, error) {
	return c.newPageIter(cfg, opListPaymentMethods, nil, cfg.CloudID).All(ctx)
}

// ListEmployees fetches all employees defined on the cloud.
func (c *Client) ListEmployees(ctx context.Context, cfg *Configuration) ([]json.RawMessage, error) {
	return c.newPageIter(cfg, opListEmployees, nil, cfg.CloudID).All(ctx)
}

// RegisterWebhook creates a webhook subscription upstream and returns its id.
func (c *Client) RegisterWebhook(ctx context.Context, cfg *Configuration, reg *WebhookRegistration) (string, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return "", fmt.Errorf("failed to encode webhook registration: %w", err)
	}
	respBody, err := c.call(ctx, cfg, opCreateWebhook, nil, body, cfg.CloudID)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("failed to decode webhook response: %w", err)
	}
	return created.ID, nil
}

// UnregisterWebhook deletes a webhook subscription upstream.
func (c *Client) UnregisterWebhook(ctx context.Context, cfg *Configuration, webhookID string) error {
	_, err := c.call(ctx, cfg, opDeleteWebhook, nil, nil, cfg.CloudID, webhookID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListWebhooks returns all webhook subscriptions registered on the cloud.
func (c *Client) ListWebhooks(ctx context.Context, cfg *Configuration) ([]json.RawMessage, error) {
	return c.newPageIter(cfg, opListWebhooks, nil, cfg.CloudID).All(ctx)
}

// PageIter walks a paginated list endpoint item by item. Iteration ends when
// a page comes back shorter than the page size.
type PageIter struct {
	client *Client
	cfg    *Configuration
	ep     endpoint
	query  url.Values
	args   []any

	page int
	buf  []json.RawMessage
	done bool
}

func (c *Client) newPageIter(cfg *Configuration, ep endpoint, query url.Values, args ...any) *PageIter {
	if query == nil {
		query = url.Values{}
	}
	return &PageIter{client: c, cfg: cfg, ep: ep, query: query, args: args, page: 1}
}

// Next returns the next item. The second result is false when the list is
// exhausted.
func (it *PageIter) Next(ctx context.Context) (json.RawMessage, bool, error) {
	for len(it.buf) == 0 {
		if it.done {
			return nil, false, nil
		}
		if err := it.fetchPage(ctx); err != nil {
			return nil, false, err
		}
	}
	item := it.buf[0]
	it.buf = it.buf[1:]
	return item, true, nil
}

// All drains the iterator into a slice.
func (it *PageIter) All(ctx context.Context) ([]json.RawMessage, error) {
	var items []json.RawMessage
	for {
		item, ok, err := it.Next(ctx)
		if err != nil {
			return items, err
		}
		if !ok {
			return items, nil
		}
		items = append(items, item)
	}
}

func (it *PageIter) fetchPage(ctx context.Context) error {
	query := url.Values{}
	for k, v := range it.query {
		query[k] = v
	}
	query.Set("page", strconv.Itoa(it.page))
	query.Set("limit", strconv.Itoa(it.client.pageSize))

	body, err := it.client.call(ctx, it.cfg, it.ep, query, nil, it.args...)
	if err != nil {
		it.done = true
		return err
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		it.done = true
		return fmt.Errorf("failed to decode %s page %d: %w", it.ep.path, it.page, err)
	}

	it.buf = envelope.Data
	it.page++
	if len(envelope.Data) < it.client.pageSize {
		it.done = true
	}
	return nil
}
