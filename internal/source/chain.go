package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tokenfeed/internal/fetcher"
	"tokenfeed/internal/market"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/ratelimit"
)

// Chain tries its sources in priority order until one yields a valid payload.
// The order reflects how reliable each upstream has proven, not its cost.
type Chain struct {
	queryType market.QueryType
	sources   []Descriptor
	limiter   *ratelimit.Limiter
	backoff   fetcher.Backoff
	logger    *slog.Logger
}

// NewChain creates a chain for one query type. Every attempt goes through
// limiter and is retried per backoff.
func NewChain(queryType market.QueryType, limiter *ratelimit.Limiter, backoff fetcher.Backoff, logger *slog.Logger, sources ...Descriptor) *Chain {
	if limiter == nil {
		limiter = ratelimit.New(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		queryType: queryType,
		sources:   sources,
		limiter:   limiter,
		backoff:   backoff,
		logger:    logger,
	}
}

// QueryType is the query type this chain serves.
func (c *Chain) QueryType() market.QueryType {
	return c.queryType
}

// SourceIDs lists the chain's sources in priority order.
func (c *Chain) SourceIDs() []string {
	ids := make([]string, len(c.sources))
	for i, d := range c.sources {
		ids[i] = d.ID()
	}
	return ids
}

// Resolve returns the first valid payload for q. Individual source failures
// are logged and recorded, never returned on their own; if every source
// fails the result is an *AllSourcesFailedError.
func (c *Chain) Resolve(ctx context.Context, q market.Query) (Resolved, error) {
	failed := &AllSourcesFailedError{Key: q.Key()}

	for _, d := range c.sources {
		if err := ctx.Err(); err != nil {
			failed.Failures = append(failed.Failures, Failure{SourceID: d.ID(), Err: err})
			break
		}

		var (
			payload any
			err     error
		)
		if d.Supports(q) {
			payload, err = c.try(ctx, d, q)
		} else {
			err = fmt.Errorf("%s: %w", d.ID(), ErrUnsupported)
		}
		if err == nil {
			metrics.SourceAttempts.WithLabelValues(d.ID(), "ok").Inc()
			c.logger.Debug("source resolved query",
				"key", q.Key(),
				"source_id", d.ID())
			return Resolved{Payload: payload, SourceID: d.ID()}, nil
		}

		failed.Failures = append(failed.Failures, Failure{SourceID: d.ID(), Err: err})

		if errors.Is(err, ErrUnsupported) {
			metrics.SourceAttempts.WithLabelValues(d.ID(), "skipped").Inc()
			c.logger.Debug("source does not support query",
				"key", q.Key(),
				"source_id", d.ID())
			continue
		}

		result := "failed"
		var fe *fetcher.FetchError
		if errors.As(err, &fe) && fe.Type == fetcher.ErrorTypeShape {
			result = "invalid"
		}
		metrics.SourceAttempts.WithLabelValues(d.ID(), result).Inc()
		c.logger.Warn("source failed, trying next",
			"key", q.Key(),
			"source_id", d.ID(),
			"class", string(d.Class()),
			"error", err)
	}

	return Resolved{}, failed
}

func (c *Chain) try(ctx context.Context, d Descriptor, q market.Query) (any, error) {
	var raw []byte
	err := fetcher.Retry(ctx, c.backoff, func(ctx context.Context) error {
		return c.limiter.Run(ctx, d.Class(), func(ctx context.Context) error {
			body, err := d.Fetch(ctx, q)
			if err != nil {
				return err
			}
			raw = body
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	payload, err := d.Normalize(q, raw)
	if err != nil {
		var fe *fetcher.FetchError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, fetcher.NewShapeError(fmt.Sprintf("normalize %s response", d.ID()), err)
	}

	if !d.Valid(payload) {
		return nil, fetcher.NewShapeError(fmt.Sprintf("%s payload rejected by validity check", d.ID()), nil)
	}

	return payload, nil
}
