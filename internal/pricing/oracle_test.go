package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedOracle(t *testing.T) {
	o := NewFixedOracle(decimal.NewFromInt(1))
	price, err := o.SpotPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", price.String())
}

func TestHTTPOracleCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/prices/USDC-USD/spot", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"amount": "0.9998", "currency": "USD"},
		})
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, "USDC-USD", time.Minute)
	for i := 0; i < 5; i++ {
		price, err := o.SpotPrice(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "0.9998", price.String())
	}
	// Quote pinning: one upstream fetch serves the whole window.
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPOracleServesStaleOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"amount": "1.0001", "currency": "USD"},
		})
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, "USDC-USD", time.Nanosecond)
	price, err := o.SpotPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0001", price.String())

	fail.Store(true)
	price, err = o.SpotPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0001", price.String())
}

func TestHTTPOracleErrorWithNoCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, "USDC-USD", time.Minute)
	_, err := o.SpotPrice(context.Background())
	assert.Error(t, err)
}

func TestFeedOracleStaleness(t *testing.T) {
	f := NewFeedOracle("ws://unused", "USDC-USD")

	_, err := f.SpotPrice(context.Background())
	assert.Error(t, err, "no quote yet")

	f.handleMessage([]byte(`{"type":"ticker","product_id":"USDC-USD","price":"0.9997"}`))
	price, err := f.SpotPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.9997", price.String())

	// Messages for other products or channels are ignored.
	f.handleMessage([]byte(`{"type":"ticker","product_id":"ETH-USD","price":"3000"}`))
	f.handleMessage([]byte(`{"type":"heartbeat"}`))
	price, err = f.SpotPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.9997", price.String())
}
