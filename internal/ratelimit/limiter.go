package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tokenfeed/internal/fetcher"
	"tokenfeed/internal/metrics"
)

// EndpointClass identifies an upstream whose quota is shared by every call to it
type EndpointClass string

const (
	// ClassAve represents the AVE token data API
	ClassAve EndpointClass = "ave"
	// ClassCoinGecko represents the CoinGecko API
	ClassCoinGecko EndpointClass = "coingecko"
	// ClassBinance represents the Binance public market API
	ClassBinance EndpointClass = "binance"
	// ClassOKX represents the OKX public market API
	ClassOKX EndpointClass = "okx"
)

// DefaultPenalty is how far an upstream 429 pushes the next call out.
const DefaultPenalty = 3 * time.Second

// Limiter enforces a minimum spacing between calls per endpoint class.
// Each class is a burst-of-one limiter, so it bounds call rate, not burst size.
type Limiter struct {
	mu      sync.RWMutex
	classes map[EndpointClass]*classLimiter
	penalty time.Duration
}

type classLimiter struct {
	limiter *rate.Limiter

	mu           sync.Mutex
	blockedUntil time.Time
}

// New creates a limiter with no classes configured. A penalty <= 0 selects DefaultPenalty.
func New(penalty time.Duration) *Limiter {
	if penalty <= 0 {
		penalty = DefaultPenalty
	}
	return &Limiter{
		classes: make(map[EndpointClass]*classLimiter),
		penalty: penalty,
	}
}

// Configure sets the minimum spacing for class. A minDelay <= 0 leaves the
// class unthrottled apart from 429 penalties.
func (l *Limiter) Configure(class EndpointClass, minDelay time.Duration) {
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.classes[class]; ok {
		c.limiter.SetLimit(limit)
		return
	}
	l.classes[class] = &classLimiter{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until a call for class may start and reserves that slot.
// It returns an error if the context is canceled first.
func (l *Limiter) Wait(ctx context.Context, class EndpointClass) error {
	c := l.class(class)
	if c == nil {
		// If no limiter exists for this class, allow the request without limiting
		return nil
	}

	if wait := c.penaltyLeft(); wait > 0 {
		if err := fetcher.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	// a 429 recorded while this caller queued for its slot still applies
	if wait := c.penaltyLeft(); wait > 0 {
		return fetcher.Sleep(ctx, wait)
	}
	return nil
}

func (c *classLimiter) penaltyLeft() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Until(c.blockedUntil)
}

// Penalize pushes the next permitted call for class at least d into the future.
func (l *Limiter) Penalize(class EndpointClass, d time.Duration) {
	c := l.class(class)
	if c == nil {
		l.Configure(class, 0)
		c = l.class(class)
	}

	until := time.Now().Add(d)

	c.mu.Lock()
	if until.After(c.blockedUntil) {
		c.blockedUntil = until
	}
	c.mu.Unlock()

	metrics.RateLimitPenalties.WithLabelValues(string(class)).Inc()
	slog.Warn("upstream rate limited, extending spacing",
		"class", string(class),
		"penalty", d)
}

// Run waits for a slot, then runs task. If task reports an upstream 429 the
// class is penalized before the error is returned, so any retry waits longer.
func (l *Limiter) Run(ctx context.Context, class EndpointClass, task func(ctx context.Context) error) error {
	if err := l.Wait(ctx, class); err != nil {
		return err
	}

	err := task(ctx)
	if err != nil && fetcher.IsRateLimited(err) {
		l.Penalize(class, l.penalty)
	}
	return err
}

func (l *Limiter) class(class EndpointClass) *classLimiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.classes[class]
}
