package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate-labs/paygate/internal/config"
	"github.com/paygate-labs/paygate/internal/model"
)

func testPayload() *model.PaymentPayload {
	return &model.PaymentPayload{
		X402Version: model.X402Version,
		Scheme:      model.SchemeExact,
		Network:     "base-sepolia",
		Payload: model.ExactPayload{
			Signature: "0x" + strings.Repeat("ab", 65),
			Authorization: model.ExactAuthorization{
				From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Value:       "100000",
				ValidAfter:  "0",
				ValidBefore: "99999999999",
				Nonce:       "0x" + strings.Repeat("f3", 32),
			},
		},
	}
}

func testRequirements() *model.PaymentRequirements {
	return &model.PaymentRequirements{
		Scheme:            model.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "100000",
		Resource:          "http://localhost/api/premium/content",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

func newTestClient(baseURL string) *HTTPClient {
	return NewHTTPClient(config.FacilitatorConfig{
		BaseURL:      baseURL,
		TimeoutMs:    1000,
		Retries:      2,
		RetryDelayMs: 1,
	})
}

func TestVerifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			X402Version    int                   `json:"x402Version"`
			PaymentPayload *model.PaymentPayload `json:"paymentPayload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, model.X402Version, req.X402Version)

		json.NewEncoder(w).Encode(map[string]any{
			"isValid": true,
			"payer":   "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Verify(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "0x857b06519E91e3A54538791bDbb0E22373e36b66", res.Payer)
}

func TestVerifyInvalidIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"isValid":       false,
			"invalidReason": "insufficient_funds",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Verify(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "insufficient_funds", res.Reason)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"isValid": true})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Verify(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Verify(context.Background(), testPayload(), testRequirements())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, int32(3), calls.Load()) // 1 attempt + 2 retries
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"invalidReason": "malformed_payload"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Verify(context.Background(), testPayload(), testRequirements())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "malformed_payload")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitedIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"isValid": true})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Verify(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := newTestClient(srv.URL).Verify(context.Background(), testPayload(), testRequirements())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewHTTPClient(config.FacilitatorConfig{
		BaseURL:      srv.URL,
		TimeoutMs:    50,
		Retries:      0,
		RetryDelayMs: 1,
	})
	_, err := client.Verify(context.Background(), testPayload(), testRequirements())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestSettleSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settle", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"success":     true,
			"transaction": "0xdeadbeef",
			"network":     "base-sepolia",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Settle(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xdeadbeef", res.Transaction)
	// Payer falls back to the authorization when the facilitator omits it.
	assert.Equal(t, "0x857b06519E91e3A54538791bDbb0E22373e36b66", res.Payer)
}

func TestSettleFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":     false,
			"errorReason": "insufficient_funds",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Settle(context.Background(), testPayload(), testRequirements())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient_funds", res.Reason)
}
