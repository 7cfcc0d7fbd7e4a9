package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenfeed/internal/config"
	"tokenfeed/internal/market"
)

// upstreams are fake provider APIs for the full stack
type upstreams struct {
	ave, coingecko, binance, okx *httptest.Server

	aveDown   atomic.Bool
	aveHits   atomic.Int32
	binHits   atomic.Int32
	okxHits   atomic.Int32
	geckoHits atomic.Int32
}

func newUpstreams(t *testing.T) *upstreams {
	t.Helper()
	u := &upstreams{}

	u.ave = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.aveHits.Add(1)
		if u.aveDown.Load() || r.Header.Get("X-API-KEY") != "ave_key" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/tokens/0x912c-arbitrum":
			w.Write([]byte(`{"status":1,"data":{"token":{"token":"0x912c","chain":"arbitrum","symbol":"ARB","current_price_usd":"0.81"}}}`))
		case "/v2/ranks":
			w.Write([]byte(`{"status":1,"data":[{"token":"0xaaa","chain":"bsc","symbol":"cake","current_price_usd":"2.1"},{"token":"0xbbb","chain":"eth","symbol":"pepe","current_price_usd":"0.0000091"}]}`))
		case "/v2/klines/token/0x912c-arbitrum":
			w.Write([]byte(`{"status":1,"data":[{"open":"1","high":"1.2","low":"0.9","close":"1.1","volume":"10","time":1700000000}]}`))
		default:
			w.Write([]byte(`{"status":0,"msg":"not found","data":null}`))
		}
	}))
	t.Cleanup(u.ave.Close)

	u.binance = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.binHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"67250.12","priceChangePercent":"1.25","quoteVolume":"31000000000"}`))
	}))
	t.Cleanup(u.binance.Close)

	u.okx = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.okxHits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(u.okx.Close)

	u.coingecko = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.geckoHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(u.coingecko.Close)

	return u
}

func testConfig(u *upstreams) *config.Config {
	query := func(fresh, stale time.Duration, order ...string) config.QueryConfig {
		return config.QueryConfig{
			FreshTTL:       fresh,
			StaleTTL:       stale,
			Retries:        1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			SourceOrder:    order,
		}
	}

	return &config.Config{
		RequestTimeout:     5 * time.Second,
		Coalesce:           true,
		RateLimitPenalty:   10 * time.Millisecond,
		CacheSweepInterval: time.Minute,
		Queries: config.QueriesConfig{
			Price:   query(time.Minute, time.Hour, "ave", "okx", "binance", "coingecko"),
			Ranking: query(time.Minute, time.Hour, "ave", "coingecko"),
			Kline:   query(time.Minute, time.Hour, "ave", "binance"),
		},
		Providers: config.ProvidersConfig{
			Ave:       config.ProviderConfig{APIKey: "ave_key", BaseURL: u.ave.URL},
			CoinGecko: config.ProviderConfig{BaseURL: u.coingecko.URL},
			Binance:   config.ProviderConfig{BaseURL: u.binance.URL},
			OKX:       config.ProviderConfig{BaseURL: u.okx.URL},
		},
		Refresh: config.RefreshConfig{Interval: time.Minute, Lead: time.Minute, Workers: 2},
		Warm:    config.WarmConfig{Prices: []string{"BTC"}, Topics: []string{"hot"}},
		Tokens: []market.Token{
			{Symbol: "BTC", CoinGeckoID: "bitcoin", Binance: "BTCUSDT", OKX: "BTC-USDT"},
			{Symbol: "ARB", CoinGeckoID: "arbitrum", Binance: "ARBUSDT", Address: "0x912c", Chain: "arbitrum"},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiBody struct {
	Data            json.RawMessage `json:"data"`
	Cached          bool            `json:"cached"`
	Stale           bool            `json:"stale"`
	Source          string          `json:"source"`
	CacheAgeSeconds int64           `json:"cache_age_seconds"`
	Error           string          `json:"error"`
}

func get(t *testing.T, h http.Handler, target string) (int, apiBody) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))

	var b apiBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	return w.Code, b
}

// TestIntegration_FullStack drives real providers through the HTTP API
// against fake upstreams.
func TestIntegration_FullStack(t *testing.T) {
	u := newUpstreams(t)
	svc, err := build(testConfig(u), quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	// ARB: ave answers first
	code, body := get(t, svc.router, "/v1/prices/ARB")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ave", body.Source)
	assert.False(t, body.Cached)
	assert.Contains(t, string(body.Data), `"price_usd":"0.81"`)

	// second call is a fresh hit
	hits := u.aveHits.Load()
	code, body = get(t, svc.router, "/v1/prices/arb")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Cached)
	assert.Equal(t, hits, u.aveHits.Load())

	// BTC has no address: ave is skipped, okx is rate limited, binance answers
	code, body = get(t, svc.router, "/v1/prices/BTC")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "binance", body.Source)
	assert.Equal(t, int32(2), u.okxHits.Load(), "okx retried once")
	assert.Equal(t, int32(0), u.geckoHits.Load())

	code, body = get(t, svc.router, "/v1/topics/hot/tokens?limit=1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ave", body.Source)
	var ranking market.Ranking
	require.NoError(t, json.Unmarshal(body.Data, &ranking))
	require.Len(t, ranking.Tokens, 1)
	assert.Equal(t, "CAKE", ranking.Tokens[0].Symbol)

	code, body = get(t, svc.router, "/v1/klines/0x912c-arbitrum?interval=15&limit=1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ave", body.Source)
}

func TestIntegration_NoCacheAvailable(t *testing.T) {
	u := newUpstreams(t)
	u.aveDown.Store(true)
	svc, err := build(testConfig(u), quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	// ranking has ave and coingecko, both failing
	code, body := get(t, svc.router, "/v1/topics/gainers/tokens")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "temporarily unavailable", body.Error)

	code, _ = get(t, svc.router, "/v1/topics/gainers/tokens?limit=500")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestIntegration_WarmUp(t *testing.T) {
	u := newUpstreams(t)
	svc, err := build(testConfig(u), quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	results := svc.coordinator.Warm(context.Background(), warmQueries(testConfig(u)))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err, r.Key)
	}
	assert.Equal(t, 2, svc.cache.Len())

	code, body := get(t, svc.router, "/v1/prices/BTC")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Cached)
}

func TestBuild_AveDisabledWithoutKey(t *testing.T) {
	u := newUpstreams(t)
	cfg := testConfig(u)
	cfg.Providers.Ave.APIKey = ""

	svc, err := build(cfg, quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	code, body := get(t, svc.router, "/v1/prices/ARB")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "binance", body.Source)
	assert.Equal(t, int32(0), u.aveHits.Load())
}

func TestBuild_NoAvailableSources(t *testing.T) {
	u := newUpstreams(t)
	cfg := testConfig(u)
	cfg.Providers.Ave.APIKey = ""
	cfg.Queries.Kline.SourceOrder = []string{"ave"}

	_, err := build(cfg, quietLogger())
	assert.ErrorContains(t, err, "no available sources for kline queries")
}
