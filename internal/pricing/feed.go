package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paygate-labs/paygate/internal/pkg/logger"
	"github.com/shopspring/decimal"
)

const (
	reconnBaseDelay = 1 * time.Second
	reconnMaxDelay  = 30 * time.Second
	pingPeriod      = 15 * time.Second

	// Quotes older than this are not served; better a 503 than a stale price.
	maxQuoteAge = 2 * time.Minute
)

// FeedOracle keeps a websocket ticker subscription alive and serves the
// last observed spot price. It reconnects with exponential backoff and
// reports unavailability when the quote goes stale.
type FeedOracle struct {
	url  string
	pair string

	mu        sync.RWMutex
	conn      *websocket.Conn
	price     decimal.Decimal
	updatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func NewFeedOracle(url, pair string) *FeedOracle {
	ctx, cancel := context.WithCancel(context.Background())
	return &FeedOracle{
		url:    url,
		pair:   pair,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the connection loop in a background goroutine
func (f *FeedOracle) Start() {
	go f.runLoop()
}

// Stop closes the feed
func (f *FeedOracle) Stop() {
	f.cancel()
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
}

func (f *FeedOracle) SpotPrice(_ context.Context) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.updatedAt.IsZero() {
		return decimal.Zero, fmt.Errorf("price feed has no quote yet")
	}
	if time.Since(f.updatedAt) > maxQuoteAge {
		return decimal.Zero, fmt.Errorf("price feed quote is stale (%s old)", time.Since(f.updatedAt).Round(time.Second))
	}
	return f.price, nil
}

func (f *FeedOracle) runLoop() {
	delay := reconnBaseDelay

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		if err := f.connect(); err != nil {
			logger.Error("Price feed connection failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			delay *= 2
			if delay > reconnMaxDelay {
				delay = reconnMaxDelay
			}
			continue
		}

		delay = reconnBaseDelay
		f.readLoop()
	}
}

func (f *FeedOracle) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return err
	}

	sub := map[string]interface{}{
		"type":        "subscribe",
		"channel":     "ticker",
		"product_ids": []string{f.pair},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	logger.Info("✅ Price feed connected", "url", f.url, "pair", f.pair)
	return nil
}

func (f *FeedOracle) readLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := f.conn.ReadMessage()
			if err != nil {
				logger.Warn("Price feed read error", "error", err)
				return
			}
			f.handleMessage(data)
		}
	}()

	for {
		select {
		case <-f.ctx.Done():
			f.conn.Close()
			<-done
			return
		case <-done:
			return
		case <-ticker.C:
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.conn.Close()
				<-done
				return
			}
		}
	}
}

func (f *FeedOracle) handleMessage(data []byte) {
	var msg struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type != "ticker" || msg.ProductID != f.pair {
		return
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.Sign() <= 0 {
		return
	}

	f.mu.Lock()
	f.price = price
	f.updatedAt = time.Now()
	f.mu.Unlock()
}
