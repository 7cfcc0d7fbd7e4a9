// Package aggregator answers market data queries from the freshness cache
// when it can and from the source chains when it must, falling back to stale
// entries when every upstream fails.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tokenfeed/internal/cache"
	"tokenfeed/internal/market"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/source"
)

// DefaultRequestTimeout bounds one resolve through a source chain.
const DefaultRequestTimeout = 10 * time.Second

// ErrNoChain is returned for a query type that has no source chain.
var ErrNoChain = errors.New("no source chain for query type")

// Resolver resolves a query through upstream sources. *source.Chain
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, q market.Query) (source.Resolved, error)
}

// Policy is the cache lifetime of one query type.
type Policy struct {
	FreshTTL time.Duration
	StaleTTL time.Duration
}

// DefaultPolicies returns the lifetimes used for query types without
// configuration.
func DefaultPolicies() map[market.QueryType]Policy {
	return map[market.QueryType]Policy{
		market.QueryPrice:   {FreshTTL: 10 * time.Minute, StaleTTL: 60 * time.Minute},
		market.QueryRanking: {FreshTTL: 5 * time.Minute, StaleTTL: 30 * time.Minute},
		market.QueryKline:   {FreshTTL: 1 * time.Minute, StaleTTL: 15 * time.Minute},
	}
}

// Response is what callers receive for a resolved query.
type Response struct {
	Payload         any
	Cached          bool
	Stale           bool
	SourceID        string
	CacheAgeSeconds int64
}

// NoCacheAvailableError means every source failed and nothing usable was
// cached. It is the only resolve failure meant to reach callers.
type NoCacheAvailableError struct {
	Key   string
	Cause error
}

func (e *NoCacheAvailableError) Error() string {
	return fmt.Sprintf("no data available for %s", e.Key)
}

func (e *NoCacheAvailableError) Unwrap() error {
	return e.Cause
}

// Options configures an Aggregator. Zero values select defaults, except
// Coalesce which must be set explicitly.
type Options struct {
	Policies       map[market.QueryType]Policy
	RequestTimeout time.Duration
	Coalesce       bool
	Logger         *slog.Logger
}

// Aggregator is the request-facing core. It is safe for concurrent use.
type Aggregator struct {
	cache    *cache.Cache
	chains   map[market.QueryType]Resolver
	policies map[market.QueryType]Policy
	timeout  time.Duration
	coalesce bool
	logger   *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	tracked map[string]*tracking
}

// tracking is one query kept warm by the background refresher. Pinned
// queries come from configuration and stay tracked for good; the rest are
// learned from successful resolves and dropped once dead or idle.
type tracking struct {
	query    market.Query
	pinned   bool
	lastUsed time.Time
}

// New creates an aggregator over c using one resolver per query type.
func New(c *cache.Cache, chains map[market.QueryType]Resolver, opts Options) *Aggregator {
	policies := DefaultPolicies()
	for qt, p := range opts.Policies {
		policies[qt] = p
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Aggregator{
		cache:    c,
		chains:   chains,
		policies: policies,
		timeout:  opts.RequestTimeout,
		coalesce: opts.Coalesce,
		logger:   opts.Logger,
		tracked:  make(map[string]*tracking),
	}
}

// Resolve answers q. A fresh cache entry is served without touching any
// upstream. Otherwise the query's chain is resolved and, on success, the
// cache is updated. If the chain fails, a stale entry is served with Stale
// set; with no usable entry the error is a *NoCacheAvailableError.
func (a *Aggregator) Resolve(ctx context.Context, q market.Query) (Response, error) {
	key := q.Key()
	qt := string(q.Type())
	a.touch(key)

	if lookup := a.cache.Get(key); lookup.State == cache.Fresh {
		metrics.Resolves.WithLabelValues(qt, "fresh").Inc()
		return a.fromEntry(lookup.Entry, false), nil
	}

	entry, err := a.fetch(ctx, q)
	if err == nil {
		metrics.Resolves.WithLabelValues(qt, "fetched").Inc()
		return Response{Payload: entry.Payload, SourceID: entry.SourceID}, nil
	}
	if errors.Is(err, ErrNoChain) {
		metrics.Resolves.WithLabelValues(qt, "error").Inc()
		return Response{}, err
	}

	lookup := a.cache.Get(key)
	if lookup.State == cache.Absent {
		metrics.Resolves.WithLabelValues(qt, "unavailable").Inc()
		a.logger.Error("resolve failed with nothing cached",
			"key", key,
			"error", err)
		return Response{}, &NoCacheAvailableError{Key: key, Cause: err}
	}

	// A concurrent resolve may have refreshed the entry while ours failed.
	stale := lookup.State == cache.Stale
	metrics.Resolves.WithLabelValues(qt, "stale").Inc()
	a.logger.Warn("resolve failed, serving cached entry",
		"key", key,
		"stale", stale,
		"source_id", lookup.Entry.SourceID,
		"error", err)
	return a.fromEntry(lookup.Entry, stale), nil
}

// Refresh resolves q regardless of cache state and stores the result. A
// failure leaves any existing entry untouched.
func (a *Aggregator) Refresh(ctx context.Context, q market.Query) error {
	if _, err := a.fetch(ctx, q); err != nil {
		a.logger.Warn("background refresh failed",
			"key", q.Key(),
			"error", err)
		return err
	}
	return nil
}

// Track pins q for background refresh. Pinned queries are refreshed even
// while nothing usable is cached for them.
func (a *Aggregator) Track(q market.Query) {
	now := a.cache.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tracked[q.Key()]; ok {
		t.pinned = true
		return
	}
	a.tracked[q.Key()] = &tracking{query: q, pinned: true, lastUsed: now}
}

// Tracked lists every query currently kept warm, ordered by key.
func (a *Aggregator) Tracked() []market.Query {
	a.mu.Lock()
	out := make([]market.Query, 0, len(a.tracked))
	for _, t := range a.tracked {
		out = append(out, t.query)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Due lists tracked queries whose entry turns stale within lead, plus
// pinned queries with no usable entry. Unpinned queries are dropped once
// their entry is dead or nobody has asked for them within their stale TTL.
func (a *Aggregator) Due(lead time.Duration) []market.Query {
	entries := a.cache.Entries()
	now := a.cache.Now()
	horizon := now.Add(lead)

	a.mu.Lock()
	var due []market.Query
	for key, t := range a.tracked {
		e, ok := entries[key]
		if !t.pinned {
			idle := now.Sub(t.lastUsed) > a.policies[t.query.Type()].StaleTTL
			if !ok || idle {
				delete(a.tracked, key)
				continue
			}
		}
		if !ok || !horizon.Before(e.FreshExpiresAt) {
			due = append(due, t.query)
		}
	}
	a.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Key() < due[j].Key() })
	return due
}

// touch marks a tracked query as requested by a caller.
func (a *Aggregator) touch(key string) {
	now := a.cache.Now()

	a.mu.Lock()
	if t, ok := a.tracked[key]; ok {
		t.lastUsed = now
	}
	a.mu.Unlock()
}

// learn starts tracking q after a successful resolve. A refresh of an
// already tracked query leaves its last use alone.
func (a *Aggregator) learn(q market.Query) {
	now := a.cache.Now()

	a.mu.Lock()
	if _, ok := a.tracked[q.Key()]; !ok {
		a.tracked[q.Key()] = &tracking{query: q, lastUsed: now}
	}
	a.mu.Unlock()
}

func (a *Aggregator) fetch(ctx context.Context, q market.Query) (*cache.Entry, error) {
	chain, ok := a.chains[q.Type()]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoChain, q.Type())
	}

	if !a.coalesce {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		return a.resolveAndStore(ctx, chain, q)
	}

	// The shared resolve outlives any single caller so that one caller
	// giving up does not fail the others waiting on the same key.
	ch := a.group.DoChan(q.Key(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		return a.resolveAndStore(ctx, chain, q)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) resolveAndStore(ctx context.Context, chain Resolver, q market.Query) (*cache.Entry, error) {
	start := time.Now()
	res, err := chain.Resolve(ctx, q)
	metrics.ResolveDuration.WithLabelValues(string(q.Type())).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	p := a.policies[q.Type()]
	entry := a.cache.Put(q.Key(), res.Payload, res.SourceID, p.FreshTTL, p.StaleTTL)
	a.learn(q)
	a.logger.Debug("cache updated",
		"key", q.Key(),
		"source_id", res.SourceID)
	return entry, nil
}

func (a *Aggregator) fromEntry(e *cache.Entry, stale bool) Response {
	return Response{
		Payload:         e.Payload,
		Cached:          true,
		Stale:           stale,
		SourceID:        e.SourceID,
		CacheAgeSeconds: int64(e.Age(a.cache.Now()).Seconds()),
	}
}
