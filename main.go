package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"

	"tokenfeed/internal/aggregator"
	"tokenfeed/internal/api"
	"tokenfeed/internal/cache"
	"tokenfeed/internal/config"
	"tokenfeed/internal/coordinator"
	"tokenfeed/internal/fetcher"
	"tokenfeed/internal/logging"
	"tokenfeed/internal/market"
	"tokenfeed/internal/providers/ave"
	"tokenfeed/internal/providers/binance"
	"tokenfeed/internal/providers/coingecko"
	"tokenfeed/internal/providers/okx"
	"tokenfeed/internal/ratelimit"
	"tokenfeed/internal/source"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	// Create context with cancellation for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tokenfeed stopped with error", "error", err)
		os.Exit(1)
	}
}

// service is the fully wired process: the aggregation core, its background
// refresher and the HTTP surface.
type service struct {
	cache       *cache.Cache
	aggregator  *aggregator.Aggregator
	coordinator *coordinator.Coordinator
	router      *gin.Engine
	closers     []io.Closer
}

func (s *service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
	for _, c := range s.closers {
		_ = c.Close()
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: svc.router}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.Refresh.Enabled {
		go func() {
			svc.coordinator.Warm(ctx, warmQueries(cfg))
			_ = svc.coordinator.Run(ctx)
		}()
	}

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("received shutdown signal, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// build wires providers, chains, cache, aggregator, coordinator and router
// from cfg.
func build(cfg *config.Config, logger *slog.Logger) (*service, error) {
	registry := market.NewRegistry(cfg.Tokens)

	limiter := ratelimit.New(cfg.RateLimitPenalty)
	limiter.Configure(ratelimit.ClassAve, cfg.Providers.Ave.MinCallSpacing)
	limiter.Configure(ratelimit.ClassCoinGecko, cfg.Providers.CoinGecko.MinCallSpacing)
	limiter.Configure(ratelimit.ClassBinance, cfg.Providers.Binance.MinCallSpacing)
	limiter.Configure(ratelimit.ClassOKX, cfg.Providers.OKX.MinCallSpacing)

	svc := &service{}
	descriptors := map[market.QueryType][]source.Descriptor{}

	// AVE requires a key; without one its sources are left out of every chain
	if cfg.Providers.Ave.APIKey != "" {
		client := ave.NewClient(cfg.Providers.Ave.APIKey, cfg.Providers.Ave.BaseURL, registry)
		svc.closers = append(svc.closers, client)
		descriptors[market.QueryPrice] = append(descriptors[market.QueryPrice], client.PriceSource())
		descriptors[market.QueryRanking] = append(descriptors[market.QueryRanking], client.RankingSource())
		descriptors[market.QueryKline] = append(descriptors[market.QueryKline], client.KlineSource())
	} else {
		logger.Warn("AVE_API_KEY not set, ave sources disabled")
	}

	cg := coingecko.NewClient(cfg.Providers.CoinGecko.APIKey, cfg.Providers.CoinGecko.BaseURL, registry)
	bn := binance.NewClient(cfg.Providers.Binance.BaseURL, registry)
	ox := okx.NewClient(cfg.Providers.OKX.BaseURL, registry)
	svc.closers = append(svc.closers, cg, bn, ox)

	descriptors[market.QueryPrice] = append(descriptors[market.QueryPrice], bn.PriceSource(), ox.PriceSource(), cg.PriceSource())
	descriptors[market.QueryRanking] = append(descriptors[market.QueryRanking], cg.RankingSource())
	descriptors[market.QueryKline] = append(descriptors[market.QueryKline], bn.KlineSource())

	chains := make(map[market.QueryType]aggregator.Resolver)
	policies := make(map[market.QueryType]aggregator.Policy)
	for _, qt := range []market.QueryType{market.QueryPrice, market.QueryRanking, market.QueryKline} {
		qc := cfg.Query(qt)
		chain, err := buildChain(qt, qc, descriptors[qt], limiter, logger)
		if err != nil {
			svc.Close()
			return nil, err
		}
		chains[qt] = chain
		policies[qt] = aggregator.Policy{FreshTTL: qc.FreshTTL, StaleTTL: qc.StaleTTL}
		logger.Info("source chain configured",
			"query_type", string(qt),
			"sources", strings.Join(chain.SourceIDs(), ","))
	}

	svc.cache = cache.New(cache.WithJanitor(cfg.CacheSweepInterval))
	svc.aggregator = aggregator.New(svc.cache, chains, aggregator.Options{
		Policies:       policies,
		RequestTimeout: cfg.RequestTimeout,
		Coalesce:       cfg.Coalesce,
		Logger:         logger,
	})
	svc.coordinator = coordinator.New(svc.aggregator, coordinator.Options{
		Interval: cfg.Refresh.Interval,
		Lead:     cfg.Refresh.Lead,
		Workers:  cfg.Refresh.Workers,
		Logger:   logger,
	})

	gin.SetMode(gin.ReleaseMode)
	svc.router = api.NewRouter(svc.aggregator, svc.cache, logger)

	return svc, nil
}

// buildChain orders the available descriptors per qc.SourceOrder. Configured
// sources that are not available (e.g. disabled for lack of a key) are
// skipped with a warning.
func buildChain(qt market.QueryType, qc config.QueryConfig, available []source.Descriptor, limiter *ratelimit.Limiter, logger *slog.Logger) (*source.Chain, error) {
	have := make(map[string]bool, len(available))
	for _, d := range available {
		have[d.ID()] = true
	}

	var order []string
	for _, id := range qc.SourceOrder {
		if !have[id] {
			logger.Warn("configured source unavailable",
				"query_type", string(qt),
				"source_id", id)
			continue
		}
		order = append(order, id)
	}
	if len(qc.SourceOrder) > 0 && len(order) == 0 {
		return nil, fmt.Errorf("no available sources for %s queries", qt)
	}

	ordered, err := source.Ordered(available, order)
	if err != nil {
		return nil, fmt.Errorf("%s source order: %w", qt, err)
	}

	backoff := fetcher.Backoff{
		Retries:        qc.Retries,
		InitialBackoff: qc.InitialBackoff,
		MaxBackoff:     qc.MaxBackoff,
	}
	return source.NewChain(qt, limiter, backoff, logger, ordered...), nil
}

// warmQueries turns the warm-up lists into queries.
func warmQueries(cfg *config.Config) []market.Query {
	var queries []market.Query
	for _, symbol := range cfg.Warm.Prices {
		queries = append(queries, market.PriceQuery{Symbol: symbol})
	}
	for _, topic := range cfg.Warm.Topics {
		queries = append(queries, market.RankingQuery{Topic: topic})
	}
	return queries
}
