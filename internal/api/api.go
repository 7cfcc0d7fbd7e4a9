// Package api exposes the aggregator over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenfeed/internal/aggregator"
	"tokenfeed/internal/market"
)

const (
	defaultKlineInterval = 15
	defaultKlineLimit    = 100
	maxKlineLimit        = 1000
	maxRankingLimit      = 100
)

var (
	symbolPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,20}$`)
	topicPattern  = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)
)

// Resolver answers market queries. *aggregator.Aggregator implements it.
type Resolver interface {
	Resolve(ctx context.Context, q market.Query) (aggregator.Response, error)
}

// CacheStats reports the number of cached entries for the health check.
type CacheStats interface {
	Len() int
}

// body is the JSON envelope of every successful response
type body struct {
	Data            any    `json:"data"`
	Cached          bool   `json:"cached"`
	Stale           bool   `json:"stale"`
	Source          string `json:"source"`
	CacheAgeSeconds int64  `json:"cache_age_seconds"`
}

type handler struct {
	resolver Resolver
	stats    CacheStats
	logger   *slog.Logger
}

// NewRouter builds the gin engine serving the market data API, the health
// check and Prometheus metrics.
func NewRouter(r Resolver, stats CacheStats, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{resolver: r, stats: stats, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), observe(logger))

	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.GET("/prices/:symbol", h.price)
	v1.GET("/topics/:topic/tokens", h.topicTokens)
	v1.GET("/klines/:token", h.klines)

	return router
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cache_entries": h.stats.Len()})
}

func (h *handler) price(c *gin.Context) {
	symbol := c.Param("symbol")
	if !symbolPattern.MatchString(symbol) {
		badRequest(c, "invalid symbol")
		return
	}

	resp, err := h.resolver.Resolve(c.Request.Context(), market.PriceQuery{Symbol: symbol})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBody(resp, resp.Payload))
}

func (h *handler) topicTokens(c *gin.Context) {
	topic := c.Param("topic")
	if !topicPattern.MatchString(topic) {
		badRequest(c, "invalid topic")
		return
	}
	limit, ok := intQuery(c, "limit", 0, 1, maxRankingLimit)
	if !ok {
		badRequest(c, "limit must be between 1 and 100")
		return
	}

	resp, err := h.resolver.Resolve(c.Request.Context(), market.RankingQuery{Topic: topic})
	if err != nil {
		h.fail(c, err)
		return
	}

	data := resp.Payload
	if r, ok := data.(market.Ranking); ok && limit > 0 && len(r.Tokens) > limit {
		r.Tokens = r.Tokens[:limit]
		data = r
	}
	c.JSON(http.StatusOK, toBody(resp, data))
}

func (h *handler) klines(c *gin.Context) {
	address, chain, err := market.ParseTokenID(c.Param("token"))
	if err != nil {
		badRequest(c, "token must be {address}-{chain}")
		return
	}
	interval, ok := intQuery(c, "interval", defaultKlineInterval, 1, 10080)
	if !ok {
		badRequest(c, "invalid interval")
		return
	}
	limit, ok := intQuery(c, "limit", defaultKlineLimit, 1, maxKlineLimit)
	if !ok {
		badRequest(c, "limit must be between 1 and 1000")
		return
	}

	q := market.KlineQuery{Address: address, Chain: chain, IntervalMinutes: interval, Limit: limit}
	resp, err := h.resolver.Resolve(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toBody(resp, resp.Payload))
}

// fail maps resolve errors onto user-safe responses. Upstream detail is
// logged, never returned.
func (h *handler) fail(c *gin.Context, err error) {
	var noCache *aggregator.NoCacheAvailableError
	if errors.As(err, &noCache) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		return
	}

	h.logger.Error("request failed",
		"request_id", c.GetString(requestIDKey),
		"path", c.Request.URL.Path,
		"error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// intQuery parses an optional integer query parameter within [lo, hi].
func intQuery(c *gin.Context, name string, def, lo, hi int) (int, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func toBody(resp aggregator.Response, data any) body {
	return body{
		Data:            data,
		Cached:          resp.Cached,
		Stale:           resp.Stale,
		Source:          resp.SourceID,
		CacheAgeSeconds: resp.CacheAgeSeconds,
	}
}
