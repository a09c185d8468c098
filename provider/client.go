/*
Package provider is the client for the third-party gift-card issuance API.

PURPOSE:
  Issue a card on demand when pre-loaded inventory is exhausted. The API is
  slow and unreliable, so every call is bounded three ways:
    - a per-call deadline from the caller context
    - a bounded number of retries with exponential backoff
    - a circuit breaker injected by the owner of the client

WIRE FORMAT:
  POST {base}/v1/cards
  {"brandCode": "...", "denomination": "25.00", "reference": "<redemption id>"}

  201 -> {"cardCode": "...", "cardNumber": "...", "expiresAt": "...", "cost": "23.50"}
  409 -> {"error": "out_of_stock"}       (not retried)
  5xx / transport error                  (retried)
  other 4xx                              (not retried)
  2xx with an unusable body              (not retried, logged for
                                          reconciliation with the provider)

  The reference is also sent as Idempotency-Key so a retried request that
  reached the provider the first time does not issue a second card.

SEE ALSO:
  - breaker.go: Circuit breaker
  - inventory/source.go: APISource, the waterfall step that calls IssueCard
*/
package provider

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

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrOutOfStock means the provider has no card for the brand/denomination.
	ErrOutOfStock = errors.New("provider out of stock")

	// ErrUnavailable covers transport errors, 5xx and exhausted retries.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrCircuitOpen is returned without a network call while the breaker is open.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrRejected is a non-retryable 4xx other than out of stock.
	ErrRejected = errors.New("provider rejected request")

	// ErrMalformedResponse is a 2xx whose body does not describe a usable
	// card. The provider may have issued one, so the call is never retried.
	ErrMalformedResponse = errors.New("provider returned malformed card")
)

// IssueRequest asks the provider for one card.
type IssueRequest struct {
	BrandCode    string
	Denomination decimal.Decimal
	Reference    string
}

// IssuedCard is the provider's response.
type IssuedCard struct {
	Code      string
	Number    string
	ExpiresAt *time.Time
	Cost      decimal.Decimal
}

// Client issues cards.
type Client interface {
	IssueCard(ctx context.Context, req IssueRequest) (*IssuedCard, error)
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Config configures an HTTPClient.
type Config struct {
	BaseURL     string
	APIKey      string
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// HTTPClient talks to the provider over HTTPS JSON.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	breaker *Breaker
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ Client = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient swaps the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithBreaker sets the circuit breaker. Without one every call is attempted.
func WithBreaker(b *Breaker) Option {
	return func(h *HTTPClient) { h.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *HTTPClient) { h.log = l }
}

// NewHTTPClient creates a client.
func NewHTTPClient(cfg Config, opts ...Option) *HTTPClient {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &HTTPClient{
		cfg:   cfg,
		http:  &http.Client{Timeout: 10 * time.Second},
		log:   zerolog.Nop(),
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type issueBody struct {
	BrandCode    string `json:"brandCode"`
	Denomination string `json:"denomination"`
	Reference    string `json:"reference"`
}

type issueResponse struct {
	CardCode   string     `json:"cardCode"`
	CardNumber string     `json:"cardNumber,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Cost       string     `json:"cost"`
	Error      string     `json:"error,omitempty"`
}

// IssueCard requests one card. Out-of-stock and rejections return
// immediately; transport failures and 5xx are retried up to MaxRetries.
func (c *HTTPClient) IssueCard(ctx context.Context, req IssueRequest) (*IssuedCard, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	body, err := json.Marshal(issueBody{
		BrandCode:    req.BrandCode,
		Denomination: req.Denomination.StringFixed(2),
		Reference:    req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("encode issue request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}

		card, err := c.do(ctx, body, req.Reference)
		if err == nil {
			c.recordSuccess()
			return card, nil
		}
		lastErr = err

		if errors.Is(err, ErrMalformedResponse) {
			c.log.Error().Err(err).Str("reference", req.Reference).
				Msg("provider answered 2xx without a usable card; reconcile with provider")
			c.recordSuccess()
			return nil, err
		}
		if errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrRejected) {
			// The provider answered; the circuit is healthy.
			c.recordSuccess()
			return nil, err
		}
		if ctx.Err() != nil {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Str("reference", req.Reference).Msg("provider call failed")
	}

	c.recordFailure()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (c *HTTPClient) do(ctx context.Context, body []byte, reference string) (*IssuedCard, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/cards", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if reference != "" {
		httpReq.Header.Set("Idempotency-Key", reference)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	success := resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK

	var out issueResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && success {
			return nil, fmt.Errorf("%w: decode response: %w", ErrMalformedResponse, err)
		}
	}

	switch {
	case success:
		return toCard(out)
	case resp.StatusCode == http.StatusConflict || out.Error == "out_of_stock":
		return nil, ErrOutOfStock
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("provider status %d", resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, out.Error)
	}
}

func toCard(out issueResponse) (*IssuedCard, error) {
	if out.CardCode == "" {
		return nil, fmt.Errorf("%w: missing card code", ErrMalformedResponse)
	}
	cost, err := decimal.NewFromString(out.Cost)
	if err != nil {
		return nil, fmt.Errorf("%w: cost %q: %w", ErrMalformedResponse, out.Cost, err)
	}
	return &IssuedCard{
		Code:      out.CardCode,
		Number:    out.CardNumber,
		ExpiresAt: out.ExpiresAt,
		Cost:      cost,
	}, nil
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

func (c *HTTPClient) recordSuccess() {
	if c.breaker != nil {
		c.breaker.Success()
	}
}

func (c *HTTPClient) recordFailure() {
	if c.breaker != nil {
		c.breaker.Failure()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
