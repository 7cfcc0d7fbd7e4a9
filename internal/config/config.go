package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tokenfeed/internal/market"
)

// Provider names accepted in source_order.
var providerNames = []string{"ave", "coingecko", "binance", "okx"}

// LogConfig selects the log level and handler format (text or json).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// QueryConfig holds the cache lifetime, retry policy and source priority of
// one query type.
type QueryConfig struct {
	FreshTTL       time.Duration `mapstructure:"fresh_ttl"`
	StaleTTL       time.Duration `mapstructure:"stale_ttl"`
	Retries        int           `mapstructure:"retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	SourceOrder    []string      `mapstructure:"source_order"`
}

// QueriesConfig holds one QueryConfig per query type.
type QueriesConfig struct {
	Price   QueryConfig `mapstructure:"price"`
	Ranking QueryConfig `mapstructure:"ranking"`
	Kline   QueryConfig `mapstructure:"kline"`
}

// ProviderConfig holds the credentials and call spacing of one upstream.
type ProviderConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	MinCallSpacing time.Duration `mapstructure:"min_call_spacing"`
}

// ProvidersConfig holds one ProviderConfig per upstream.
type ProvidersConfig struct {
	Ave       ProviderConfig `mapstructure:"ave"`
	CoinGecko ProviderConfig `mapstructure:"coingecko"`
	Binance   ProviderConfig `mapstructure:"binance"`
	OKX       ProviderConfig `mapstructure:"okx"`
}

// RefreshConfig controls the background refresher.
type RefreshConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Lead     time.Duration `mapstructure:"lead"`
	Workers  int           `mapstructure:"workers"`
}

// WarmConfig lists queries refreshed at startup and kept warm afterwards.
type WarmConfig struct {
	Prices []string `mapstructure:"prices"`
	Topics []string `mapstructure:"topics"`
}

// Config holds all configuration for the tokenfeed service.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`

	// RequestTimeout bounds one resolve through a source chain
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// Coalesce collapses concurrent misses for the same key into one resolve
	Coalesce bool `mapstructure:"coalesce"`
	// RateLimitPenalty is the extra wait imposed on an endpoint class after a 429
	RateLimitPenalty time.Duration `mapstructure:"rate_limit_penalty"`
	// CacheSweepInterval is how often dead cache entries are dropped
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval"`

	Queries   QueriesConfig   `mapstructure:"queries"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Warm      WarmConfig      `mapstructure:"warm"`

	Tokens []market.Token `mapstructure:"tokens"`
}

// Query returns the settings for query type qt.
func (c *Config) Query(qt market.QueryType) QueryConfig {
	switch qt {
	case market.QueryRanking:
		return c.Queries.Ranking
	case market.QueryKline:
		return c.Queries.Kline
	default:
		return c.Queries.Price
	}
}

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over config file values.
//
// Every key can be set from the environment with the TOKENFEED_ prefix and
// dots replaced by underscores, e.g. TOKENFEED_QUERIES_PRICE_FRESH_TTL=5m.
// API keys are also read from:
//   - AVE_API_KEY
//   - COINGECKO_API_KEY
func Load() (*Config, error) {
	v := viper.New()

	// Set up environment variable support
	v.SetEnvPrefix("tokenfeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Optionally read from config file if it exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.tokenfeed")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables for API keys
	v.BindEnv("providers.ave.api_key", "TOKENFEED_PROVIDERS_AVE_API_KEY", "AVE_API_KEY")
	v.BindEnv("providers.coingecko.api_key", "TOKENFEED_PROVIDERS_COINGECKO_API_KEY", "COINGECKO_API_KEY")

	// Unmarshal config into struct (handles both simple and complex fields)
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("coalesce", true)
	v.SetDefault("rate_limit_penalty", 3*time.Second)
	v.SetDefault("cache_sweep_interval", 5*time.Minute)

	queries := map[string]struct {
		fresh, stale time.Duration
		order        []string
	}{
		"price":   {10 * time.Minute, 60 * time.Minute, []string{"ave", "binance", "okx", "coingecko"}},
		"ranking": {5 * time.Minute, 30 * time.Minute, []string{"ave", "coingecko"}},
		"kline":   {1 * time.Minute, 15 * time.Minute, []string{"ave", "binance"}},
	}
	for name, q := range queries {
		prefix := "queries." + name + "."
		v.SetDefault(prefix+"fresh_ttl", q.fresh)
		v.SetDefault(prefix+"stale_ttl", q.stale)
		v.SetDefault(prefix+"retries", 2)
		v.SetDefault(prefix+"initial_backoff", 500*time.Millisecond)
		v.SetDefault(prefix+"max_backoff", 4*time.Second)
		v.SetDefault(prefix+"source_order", q.order)
	}

	// Set defaults for base URLs and call spacing
	v.SetDefault("providers.ave.base_url", "https://prod.ave-api.com")
	v.SetDefault("providers.ave.min_call_spacing", time.Second)
	v.SetDefault("providers.ave.api_key", "")
	v.SetDefault("providers.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("providers.coingecko.min_call_spacing", 2*time.Second)
	v.SetDefault("providers.coingecko.api_key", "")
	v.SetDefault("providers.binance.base_url", "https://api.binance.com")
	v.SetDefault("providers.binance.min_call_spacing", 100*time.Millisecond)
	v.SetDefault("providers.okx.base_url", "https://www.okx.com")
	v.SetDefault("providers.okx.min_call_spacing", 100*time.Millisecond)

	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.interval", time.Minute)
	v.SetDefault("refresh.lead", time.Minute)
	v.SetDefault("refresh.workers", 4)

	v.SetDefault("warm.prices", []string{"BTC", "ETH"})
	v.SetDefault("warm.topics", []string{"hot"})

	v.SetDefault("tokens", []map[string]any{
		{"symbol": "BTC", "name": "Bitcoin", "coingecko_id": "bitcoin", "binance": "BTCUSDT", "okx": "BTC-USDT"},
		{"symbol": "ETH", "name": "Ethereum", "coingecko_id": "ethereum", "binance": "ETHUSDT", "okx": "ETH-USDT"},
		{"symbol": "ARB", "name": "Arbitrum", "coingecko_id": "arbitrum", "binance": "ARBUSDT", "okx": "ARB-USDT",
			"address": "0x912ce59144191c1204e64559fe8253a0e49e6548", "chain": "arbitrum"},
	})
}

// Validate checks the loaded values for consistency.
func (c *Config) Validate() error {
	var problems []string

	queries := map[string]QueryConfig{
		"price":   c.Queries.Price,
		"ranking": c.Queries.Ranking,
		"kline":   c.Queries.Kline,
	}
	for _, name := range []string{"price", "ranking", "kline"} {
		q := queries[name]
		if q.FreshTTL <= 0 {
			problems = append(problems, fmt.Sprintf("queries.%s.fresh_ttl must be positive", name))
		}
		if q.StaleTTL < q.FreshTTL {
			problems = append(problems, fmt.Sprintf("queries.%s.stale_ttl must not be shorter than fresh_ttl", name))
		}
		if q.Retries < 0 {
			problems = append(problems, fmt.Sprintf("queries.%s.retries must not be negative", name))
		}
		if q.MaxBackoff > 0 && q.MaxBackoff < q.InitialBackoff {
			problems = append(problems, fmt.Sprintf("queries.%s.max_backoff must not be shorter than initial_backoff", name))
		}
		for _, id := range q.SourceOrder {
			if !slices.Contains(providerNames, id) {
				problems = append(problems, fmt.Sprintf("queries.%s.source_order: unknown source %q", name, id))
			}
		}
	}

	if c.RequestTimeout <= 0 {
		problems = append(problems, "request_timeout must be positive")
	}
	if c.Refresh.Enabled && c.Refresh.Interval <= 0 {
		problems = append(problems, "refresh.interval must be positive")
	}
	if c.Refresh.Workers <= 0 {
		problems = append(problems, "refresh.workers must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
