package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokenfeed/internal/market"
)

// isolate runs the test from an empty directory with HOME pointed at it, so
// no stray config.yaml is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)
	return dir
}

func TestLoad_WithDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	durations := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"price fresh", cfg.Queries.Price.FreshTTL, 10 * time.Minute},
		{"price stale", cfg.Queries.Price.StaleTTL, 60 * time.Minute},
		{"ranking fresh", cfg.Queries.Ranking.FreshTTL, 5 * time.Minute},
		{"ranking stale", cfg.Queries.Ranking.StaleTTL, 30 * time.Minute},
		{"kline fresh", cfg.Queries.Kline.FreshTTL, time.Minute},
		{"kline stale", cfg.Queries.Kline.StaleTTL, 15 * time.Minute},
		{"initial backoff", cfg.Queries.Price.InitialBackoff, 500 * time.Millisecond},
		{"max backoff", cfg.Queries.Price.MaxBackoff, 4 * time.Second},
		{"ave spacing", cfg.Providers.Ave.MinCallSpacing, time.Second},
		{"coingecko spacing", cfg.Providers.CoinGecko.MinCallSpacing, 2 * time.Second},
		{"binance spacing", cfg.Providers.Binance.MinCallSpacing, 100 * time.Millisecond},
		{"okx spacing", cfg.Providers.OKX.MinCallSpacing, 100 * time.Millisecond},
		{"request timeout", cfg.RequestTimeout, 10 * time.Second},
		{"penalty", cfg.RateLimitPenalty, 3 * time.Second},
		{"refresh interval", cfg.Refresh.Interval, time.Minute},
		{"refresh lead", cfg.Refresh.Lead, time.Minute},
	}
	for _, tt := range durations {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.Queries.Price.Retries != 2 {
		t.Errorf("Retries = %d, want 2", cfg.Queries.Price.Retries)
	}
	if !cfg.Coalesce {
		t.Error("Coalesce should default to true")
	}
	if cfg.Providers.Ave.BaseURL != "https://prod.ave-api.com" {
		t.Errorf("Ave BaseURL = %q, want production URL", cfg.Providers.Ave.BaseURL)
	}
	if got := strings.Join(cfg.Queries.Price.SourceOrder, ","); got != "ave,binance,okx,coingecko" {
		t.Errorf("price source order = %q", got)
	}
	if len(cfg.Tokens) == 0 {
		t.Fatal("expected default token registry")
	}
	if cfg.Tokens[0].Symbol != "BTC" || cfg.Tokens[0].CoinGeckoID != "bitcoin" {
		t.Errorf("first default token = %+v", cfg.Tokens[0])
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	isolate(t)

	envVars := map[string]string{
		"AVE_API_KEY":                         "test_ave_key",
		"COINGECKO_API_KEY":                   "test_cg_key",
		"TOKENFEED_PROVIDERS_BINANCE_BASE_URL": "https://test.binance.local",
		"TOKENFEED_QUERIES_PRICE_FRESH_TTL":   "30s",
		"TOKENFEED_QUERIES_PRICE_SOURCE_ORDER": "okx,binance",
		"TOKENFEED_COALESCE":                  "false",
		"TOKENFEED_WARM_PRICES":               "SOL,ARB",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"AveAPIKey", cfg.Providers.Ave.APIKey, "test_ave_key"},
		{"CoinGeckoAPIKey", cfg.Providers.CoinGecko.APIKey, "test_cg_key"},
		{"BinanceBaseURL", cfg.Providers.Binance.BaseURL, "https://test.binance.local"},
		{"PriceFreshTTL", cfg.Queries.Price.FreshTTL.String(), "30s"},
		{"PriceSourceOrder", strings.Join(cfg.Queries.Price.SourceOrder, ","), "okx,binance"},
		{"WarmPrices", strings.Join(cfg.Warm.Prices, ","), "SOL,ARB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.Coalesce {
		t.Error("TOKENFEED_COALESCE=false should disable coalescing")
	}
}

func TestLoad_PrefixedKeyWinsOverShortName(t *testing.T) {
	isolate(t)
	t.Setenv("AVE_API_KEY", "short")
	t.Setenv("TOKENFEED_PROVIDERS_AVE_API_KEY", "prefixed")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.Providers.Ave.APIKey != "prefixed" {
		t.Errorf("APIKey = %q, want %q", cfg.Providers.Ave.APIKey, "prefixed")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := isolate(t)

	yaml := `
queries:
  ranking:
    fresh_ttl: 2m
    stale_ttl: 10m
    source_order: [coingecko]
providers:
  coingecko:
    api_key: file_key
refresh:
  workers: 8
tokens:
  - symbol: XAI
    name: Xai
    address: "0xd1d2"
    chain: arbitrum
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COINGECKO_API_KEY", "env_key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Queries.Ranking.FreshTTL != 2*time.Minute {
		t.Errorf("ranking fresh_ttl = %v, want 2m", cfg.Queries.Ranking.FreshTTL)
	}
	if got := cfg.Query(market.QueryRanking).SourceOrder; len(got) != 1 || got[0] != "coingecko" {
		t.Errorf("ranking source order = %v", got)
	}
	if cfg.Providers.CoinGecko.APIKey != "env_key" {
		t.Errorf("environment should override the file, got %q", cfg.Providers.CoinGecko.APIKey)
	}
	if cfg.Refresh.Workers != 8 {
		t.Errorf("refresh.workers = %d, want 8", cfg.Refresh.Workers)
	}
	if len(cfg.Tokens) != 1 || cfg.Tokens[0].TokenID() != "0xd1d2-arbitrum" {
		t.Errorf("tokens = %+v", cfg.Tokens)
	}
	// untouched keys keep their defaults
	if cfg.Queries.Price.FreshTTL != 10*time.Minute {
		t.Errorf("price fresh_ttl = %v, want default", cfg.Queries.Price.FreshTTL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg string
	}{
		{
			name:    "stale shorter than fresh",
			env:     map[string]string{"TOKENFEED_QUERIES_KLINE_STALE_TTL": "30s"},
			wantMsg: "queries.kline.stale_ttl must not be shorter than fresh_ttl",
		},
		{
			name:    "unknown source",
			env:     map[string]string{"TOKENFEED_QUERIES_PRICE_SOURCE_ORDER": "ave,kraken"},
			wantMsg: `unknown source "kraken"`,
		},
		{
			name:    "negative retries",
			env:     map[string]string{"TOKENFEED_QUERIES_RANKING_RETRIES": "-1"},
			wantMsg: "queries.ranking.retries must not be negative",
		},
		{
			name:    "bad log format",
			env:     map[string]string{"TOKENFEED_LOG_FORMAT": "xml"},
			wantMsg: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.HasPrefix(err.Error(), "invalid configuration: ") {
				t.Errorf("error = %q, want invalid configuration prefix", err.Error())
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestConfig_Query(t *testing.T) {
	cfg := &Config{Queries: QueriesConfig{
		Price:   QueryConfig{Retries: 1},
		Ranking: QueryConfig{Retries: 2},
		Kline:   QueryConfig{Retries: 3},
	}}

	if cfg.Query(market.QueryPrice).Retries != 1 || cfg.Query(market.QueryRanking).Retries != 2 || cfg.Query(market.QueryKline).Retries != 3 {
		t.Error("Query() returned the wrong settings")
	}
}
