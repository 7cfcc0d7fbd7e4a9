// Package coordinator keeps tracked queries warm by refreshing them in the
// background shortly before their cache entries stop being fresh.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tokenfeed/internal/market"
	"tokenfeed/internal/metrics"
)

const (
	DefaultInterval = time.Minute
	DefaultLead     = time.Minute
	DefaultWorkers  = 4
)

// Refresher is the part of the aggregator the coordinator drives.
type Refresher interface {
	Track(q market.Query)
	Due(lead time.Duration) []market.Query
	Refresh(ctx context.Context, q market.Query) error
}

// Result is the outcome of refreshing one query
type Result struct {
	Key      string
	Err      error
	Duration time.Duration
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	Interval time.Duration
	Lead     time.Duration
	Workers  int
	Logger   *slog.Logger
}

// Coordinator runs scheduled refreshes with bounded concurrency
type Coordinator struct {
	refresher Refresher
	interval  time.Duration
	lead      time.Duration
	workers   int
	logger    *slog.Logger
}

// New creates a new Coordinator driving r
func New(r Refresher, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Lead <= 0 {
		opts.Lead = DefaultLead
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		refresher: r,
		interval:  opts.Interval,
		lead:      opts.Lead,
		workers:   opts.Workers,
		logger:    opts.Logger,
	}
}

// Warm tracks queries and refreshes them all immediately.
func (c *Coordinator) Warm(ctx context.Context, queries []market.Query) []Result {
	for _, q := range queries {
		c.refresher.Track(q)
	}
	return c.refresh(ctx, queries)
}

// RunOnce refreshes every query that is due now.
func (c *Coordinator) RunOnce(ctx context.Context) []Result {
	return c.refresh(ctx, c.refresher.Due(c.lead))
}

// Run refreshes due queries every interval until ctx is done.
// Refresh failures are logged and never stop the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("background refresh started",
		"interval", c.interval,
		"lead", c.lead,
		"workers", c.workers)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("background refresh stopped")
			return nil
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// refresh runs one refresh per query, at most workers at a time. Results
// are logged as they arrive and returned in completion order.
func (c *Coordinator) refresh(ctx context.Context, queries []market.Query) []Result {
	if len(queries) == 0 {
		return nil
	}

	resultChan := make(chan Result, len(queries))

	var g errgroup.Group
	g.SetLimit(c.workers)
	go func() {
		for _, q := range queries {
			q := q
			g.Go(func() error {
				start := time.Now()
				err := c.refresher.Refresh(ctx, q)
				resultChan <- Result{Key: q.Key(), Err: err, Duration: time.Since(start)}
				return nil
			})
		}
		_ = g.Wait()
		close(resultChan)
	}()

	results := make([]Result, 0, len(queries))
	for result := range resultChan {
		if result.Err != nil {
			metrics.RefreshRuns.WithLabelValues("failed").Inc()
			c.logger.Warn("refresh failed",
				"key", result.Key,
				"duration", result.Duration,
				"error", result.Err)
		} else {
			metrics.RefreshRuns.WithLabelValues("ok").Inc()
			c.logger.Debug("refreshed",
				"key", result.Key,
				"duration", result.Duration)
		}
		results = append(results, result)
	}
	return results
}
