package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Oracle quotes the fiat price of the payment token (e.g. USDC-USD).
// Implementations must be safe for concurrent use.
type Oracle interface {
	SpotPrice(ctx context.Context) (decimal.Decimal, error)
}

// FixedOracle pins a constant conversion rate. The right choice for
// stablecoin deployments where 1 token == 1 unit of fiat.
type FixedOracle struct {
	price decimal.Decimal
}

func NewFixedOracle(price decimal.Decimal) *FixedOracle {
	return &FixedOracle{price: price}
}

func (o *FixedOracle) SpotPrice(_ context.Context) (decimal.Decimal, error) {
	return o.price, nil
}

// HTTPOracle polls a spot-price endpoint and caches the result for a TTL.
// The TTL doubles as quote pinning: every requirement quoted within the
// window sees the same price.
type HTTPOracle struct {
	baseURL string
	pair    string
	client  *http.Client
	ttl     time.Duration

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time
}

func NewHTTPOracle(baseURL, pair string, ttl time.Duration) *HTTPOracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		pair:    pair,
		client:  &http.Client{Timeout: 5 * time.Second},
		ttl:     ttl,
	}
}

func (o *HTTPOracle) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.fetchedAt.IsZero() && time.Since(o.fetchedAt) < o.ttl {
		return o.cached, nil
	}

	price, err := o.fetch(ctx)
	if err != nil {
		// Serve a mildly stale quote over failing outright, up to 4x TTL.
		if !o.fetchedAt.IsZero() && time.Since(o.fetchedAt) < 4*o.ttl {
			return o.cached, nil
		}
		return decimal.Zero, err
	}

	o.cached = price
	o.fetchedAt = time.Now()
	return price, nil
}

func (o *HTTPOracle) fetch(ctx context.Context) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/prices/%s/spot", o.baseURL, o.pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("oracle response decode failed: %w", err)
	}
	price, err := decimal.NewFromString(body.Data.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle returned non-numeric amount %q", body.Data.Amount)
	}
	return price, nil
}
