package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewHTTPClient(Config{BaseURL: srv.URL, APIKey: "secret", MaxRetries: 2, BackoffBase: time.Millisecond}, opts...)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func issue(c *HTTPClient) (*IssuedCard, error) {
	return c.IssueCard(context.Background(), IssueRequest{
		BrandCode:    "AMZ",
		Denomination: decimal.RequireFromString("25"),
		Reference:    "red-1",
	})
}

func TestIssueCard_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cards", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "red-1", r.Header.Get("Idempotency-Key"))

		var body issueBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "AMZ", body.BrandCode)
		assert.Equal(t, "25.00", body.Denomination)
		assert.Equal(t, "red-1", body.Reference)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"cardCode":"CODE-1","cardNumber":"4111","expiresAt":"2027-01-01T00:00:00Z","cost":"23.50"}`))
	})

	card, err := issue(c)
	require.NoError(t, err)
	assert.Equal(t, "CODE-1", card.Code)
	assert.Equal(t, "4111", card.Number)
	require.NotNil(t, card.ExpiresAt)
	assert.Equal(t, 2027, card.ExpiresAt.Year())
	assert.True(t, decimal.RequireFromString("23.50").Equal(card.Cost))
}

func TestIssueCard_OutOfStockIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"out_of_stock"}`))
	})

	_, err := issue(c)
	require.ErrorIs(t, err, ErrOutOfStock)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIssueCard_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"cardCode":"CODE-2","cost":"24"}`))
	})

	card, err := issue(c)
	require.NoError(t, err)
	assert.Equal(t, "CODE-2", card.Code)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestIssueCard_ExhaustedRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := issue(c)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "1 attempt + 2 retries")
}

func TestIssueCard_RejectedIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unknown brand"}`))
	})

	_, err := issue(c)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "unknown brand")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIssueCard_MalformedSuccessIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unparsable cost", `{"cardCode":"CARD-1","cost":"n/a"}`},
		{"missing card code", `{"cost":"23.50"}`},
		{"invalid json", `{"cardCode":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A provider that answers 201 with an unusable card
			var calls int32
			breaker := NewBreaker(1, time.Minute)
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(tt.body))
			}, WithBreaker(breaker))

			// WHEN: A card is requested
			_, err := issue(c)

			// THEN: The request went out once and the circuit stays closed
			require.ErrorIs(t, err, ErrMalformedResponse)
			assert.NotErrorIs(t, err, ErrUnavailable)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
			assert.Equal(t, BreakerClosed, breaker.State())
		})
	}
}

func TestIssueCard_ContextDeadline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.IssueCard(ctx, IssueRequest{BrandCode: "AMZ", Denomination: decimal.NewFromInt(25)})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestIssueCard_BreakerOpensAndShortCircuits(t *testing.T) {
	var calls int32
	breaker := NewBreaker(2, time.Hour)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, WithBreaker(breaker))

	_, err := issue(c)
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = issue(c)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, BreakerOpen, breaker.State())

	before := atomic.LoadInt32(&calls)
	_, err = issue(c)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open circuit makes no call")
}
