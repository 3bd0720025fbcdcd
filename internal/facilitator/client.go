package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/paygate-labs/paygate/internal/config"
	"github.com/paygate-labs/paygate/internal/model"
	"github.com/paygate-labs/paygate/internal/pkg/logger"
	"github.com/paygate-labs/paygate/internal/pkg/metrics"
)

// HTTPClient talks to a remote x402 facilitator. Transient failures are
// retried with bounded exponential backoff; permanent rejections are
// returned immediately. Authorization signatures never reach the logs.
type HTTPClient struct {
	baseURL    string
	client     *http.Client
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
}

func NewHTTPClient(cfg config.FacilitatorConfig) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retryDelay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		client:     &http.Client{Timeout: timeout},
		timeout:    timeout,
		retries:    retries,
		retryDelay: retryDelay,
	}
}

var _ Client = (*HTTPClient)(nil)

type facilitatorRequest struct {
	X402Version         int                        `json:"x402Version"`
	PaymentPayload      *model.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *model.PaymentRequirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

func (c *HTTPClient) Verify(ctx context.Context, payload *model.PaymentPayload, req *model.PaymentRequirements) (*VerifyResult, error) {
	start := time.Now()
	defer func() {
		metrics.FacilitatorLatency.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	}()

	var resp verifyResponse
	if err := c.post(ctx, "/verify", payload, req, &resp); err != nil {
		return nil, err
	}
	result := &VerifyResult{Valid: resp.IsValid, Reason: resp.InvalidReason, Payer: resp.Payer}
	if result.Payer == "" {
		result.Payer = payload.Payload.Authorization.From
	}
	return result, nil
}

func (c *HTTPClient) Settle(ctx context.Context, payload *model.PaymentPayload, req *model.PaymentRequirements) (*SettleResult, error) {
	start := time.Now()
	defer func() {
		metrics.FacilitatorLatency.WithLabelValues("settle").Observe(time.Since(start).Seconds())
	}()

	var resp settleResponse
	if err := c.post(ctx, "/settle", payload, req, &resp); err != nil {
		return nil, err
	}
	result := &SettleResult{
		Success:     resp.Success,
		Reason:      resp.ErrorReason,
		Transaction: resp.Transaction,
		Network:     resp.Network,
		Payer:       resp.Payer,
	}
	if result.Payer == "" {
		result.Payer = payload.Payload.Authorization.From
	}
	return result, nil
}

// post runs one facilitator call with the retry budget. Only transient
// classifications consume retries; 4xx responses return ErrRejected at once.
func (c *HTTPClient) post(ctx context.Context, path string, payload *model.PaymentPayload, req *model.PaymentRequirements, out interface{}) error {
	body, err := json.Marshal(&facilitatorRequest{
		X402Version:         model.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	var lastErr error
	delay := c.retryDelay
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			logger.Warn("Retrying facilitator call", "path", path, "attempt", attempt)
		}

		lastErr = c.attempt(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *HTTPClient) attempt(ctx context.Context, path string, body []byte, out interface{}) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: bad response body: %v", ErrUnreachable, err)
		}
		return nil
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnreachable, httpResp.StatusCode)
	default:
		return parseRejection(httpResp)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// parseRejection extracts a reason code from a 4xx response when present.
func parseRejection(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		InvalidReason string `json:"invalidReason"`
		ErrorReason   string `json:"errorReason"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.InvalidReason != "" {
			return fmt.Errorf("%w: status %d, reason %s", ErrRejected, resp.StatusCode, body.InvalidReason)
		}
		if body.ErrorReason != "" {
			return fmt.Errorf("%w: status %d, reason %s", ErrRejected, resp.StatusCode, body.ErrorReason)
		}
	}
	return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
}
