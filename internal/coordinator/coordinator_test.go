package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenfeed/internal/market"
)

// fakeRefresher records refreshes and fails the keys in failing
type fakeRefresher struct {
	mu        sync.Mutex
	tracked   []market.Query
	due       []market.Query
	refreshed []string
	failing   map[string]bool
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeRefresher) Track(q market.Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, q)
}

func (f *fakeRefresher) Due(lead time.Duration) []market.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due
}

func (f *fakeRefresher) Refresh(ctx context.Context, q market.Query) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.refreshed = append(f.refreshed, q.Key())
	fail := f.failing[q.Key()]
	f.mu.Unlock()

	if fail {
		return errors.New("upstream down")
	}
	return nil
}

func (f *fakeRefresher) refreshedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshed...)
}

func TestNew_Defaults(t *testing.T) {
	coord := New(&fakeRefresher{}, Options{})

	assert.Equal(t, DefaultInterval, coord.interval)
	assert.Equal(t, DefaultLead, coord.lead)
	assert.Equal(t, DefaultWorkers, coord.workers)
	assert.NotNil(t, coord.logger)
}

func TestWarm_TracksAndRefreshes(t *testing.T) {
	r := &fakeRefresher{failing: map[string]bool{"tokens_topic:hot": true}}
	coord := New(r, Options{Workers: 2})

	queries := []market.Query{
		market.PriceQuery{Symbol: "BTC"},
		market.PriceQuery{Symbol: "ETH"},
		market.RankingQuery{Topic: "hot"},
	}
	results := coord.Warm(context.Background(), queries)

	require.Len(t, results, 3)
	assert.Equal(t, queries, r.tracked)
	assert.ElementsMatch(t, []string{"price:BTC", "price:ETH", "tokens_topic:hot"}, r.refreshedKeys())

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			assert.Equal(t, "tokens_topic:hot", res.Key)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRunOnce_RefreshesOnlyDue(t *testing.T) {
	r := &fakeRefresher{due: []market.Query{market.PriceQuery{Symbol: "XAI"}}}
	coord := New(r, Options{})

	results := coord.RunOnce(context.Background())

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, []string{"price:XAI"}, r.refreshedKeys())
}

func TestRunOnce_NothingDue(t *testing.T) {
	coord := New(&fakeRefresher{}, Options{})
	assert.Empty(t, coord.RunOnce(context.Background()))
}

func TestRunOnce_BoundsConcurrency(t *testing.T) {
	var due []market.Query
	for _, s := range []string{"A", "B", "C", "D", "E", "F"} {
		due = append(due, market.PriceQuery{Symbol: s})
	}
	r := &fakeRefresher{due: due, delay: 20 * time.Millisecond}
	coord := New(r, Options{Workers: 2})

	results := coord.RunOnce(context.Background())

	assert.Len(t, results, 6)
	assert.LessOrEqual(t, r.maxInFlight.Load(), int32(2))
	assert.Equal(t, int32(2), r.maxInFlight.Load())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	r := &fakeRefresher{due: []market.Query{market.PriceQuery{Symbol: "BTC"}}}
	coord := New(r, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(r.refreshedKeys()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
