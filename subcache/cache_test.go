package subcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodekit/store"
	"github.com/c360/nodekit/store/memstore"
)

func newTestNode(t *testing.T, b *memstore.Backend) store.ID {
	t.Helper()
	h, err := b.CreateNode(context.Background(), b.NewGroup(), store.CoMap, nil, nil)
	require.NoError(t, err)
	return h.ID()
}

func TestSingleLowLevelSubscriptionPerNode(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithGracePeriod(10*time.Millisecond))
	id := newTestNode(t, b)

	subs := make([]*Subscription, 0, 5)
	for i := 0; i < 5; i++ {
		sub, err := c.Add(id, func(store.Handle) {})
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	assert.Equal(t, 1, b.SubscriberCount(id), "exactly one low-level subscription")
	assert.Equal(t, 5, c.Count(id))

	for _, sub := range subs {
		sub.Cancel()
	}
	assert.Equal(t, 0, c.Count(id))
}

func TestCountMatchesAddsMinusRemoves(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithGracePeriod(time.Hour))
	id := newTestNode(t, b)

	var subs []*Subscription
	for i := 0; i < 10; i++ {
		sub, err := c.Add(id, func(store.Handle) {})
		require.NoError(t, err)
		subs = append(subs, sub)
		assert.Equal(t, i+1, c.Count(id))
	}
	for i, sub := range subs {
		sub.Cancel()
		sub.Cancel() // double cancel never drives the count negative
		assert.Equal(t, len(subs)-i-1, c.Count(id))
	}
	assert.Equal(t, 0, c.Count(id))
}

func TestBothSubscribersReceiveUpdates(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b)
	ctx := context.Background()
	id := newTestNode(t, b)

	var mu sync.Mutex
	got := map[string]int{}
	record := func(name string) store.UpdateFunc {
		return func(store.Handle) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		}
	}

	first, err := c.Add(id, record("first"))
	require.NoError(t, err)
	second, err := c.Add(id, record("second"))
	require.NoError(t, err)

	require.NoError(t, b.SetKey(ctx, id, "k", "v1"))
	mu.Lock()
	assert.Equal(t, 1, got["first"])
	assert.Equal(t, 1, got["second"])
	mu.Unlock()

	// Removing one leaves the other still receiving subsequent updates.
	first.Cancel()
	require.NoError(t, b.SetKey(ctx, id, "k", "v2"))
	mu.Lock()
	assert.Equal(t, 1, got["first"], "cancelled callback never invoked again")
	assert.Equal(t, 2, got["second"])
	mu.Unlock()

	second.Cancel()
}

func TestFanOutIsolatesPanickingCallback(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithMetrics(prometheus.NewRegistry()))
	ctx := context.Background()
	id := newTestNode(t, b)

	bad, err := c.Add(id, func(store.Handle) { panic("subscriber bug") })
	require.NoError(t, err)
	defer bad.Cancel()

	delivered := 0
	good, err := c.Add(id, func(store.Handle) { delivered++ })
	require.NoError(t, err)
	defer good.Cancel()

	require.NoError(t, b.SetKey(ctx, id, "k", "v"))
	assert.Equal(t, 1, delivered, "healthy callback still receives the update")
}

func TestGraceWindowReuseAvoidsChurn(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithGracePeriod(200*time.Millisecond))
	id := newTestNode(t, b)

	first, err := c.Add(id, func(store.Handle) {})
	require.NoError(t, err)
	first.Cancel()

	// Entry must survive the window with its subscription open.
	assert.True(t, c.Has(id))
	assert.Equal(t, 1, b.SubscriberCount(id))

	// A new subscriber within the window cancels the cleanup: zero churn.
	second, err := c.Add(id, func(store.Handle) {})
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.True(t, c.Has(id))
	assert.Equal(t, 1, b.SubscriberCount(id), "low-level subscription never closed and reopened")

	second.Cancel()
}

func TestEntryRemovedAfterGraceWindow(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithGracePeriod(20*time.Millisecond))
	id := newTestNode(t, b)

	sub, err := c.Add(id, func(store.Handle) {})
	require.NoError(t, err)
	sub.Cancel()

	require.Eventually(t, func() bool {
		return !c.Has(id) && b.SubscriberCount(id) == 0
	}, time.Second, 5*time.Millisecond, "entry removed and low-level subscription closed exactly once")
	assert.Equal(t, 0, c.Size(), "no leaks with zero subscribers")
}

func TestZeroGracePeriodCleansUpImmediately(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithGracePeriod(0))
	id := newTestNode(t, b)

	sub, err := c.Add(id, func(store.Handle) {})
	require.NoError(t, err)
	sub.Cancel()

	require.Eventually(t, func() bool {
		return !c.Has(id) && b.SubscriberCount(id) == 0
	}, time.Second, time.Millisecond, "a configured zero window means no lingering entry")

	// Negative durations keep the default instead.
	d := New(b, WithGracePeriod(-time.Second))
	assert.Equal(t, DefaultGracePeriod, d.grace)
}

func TestCleanupNowBypassesTimer(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithGracePeriod(time.Hour))
	id := newTestNode(t, b)

	_, err := c.Add(id, func(store.Handle) {})
	require.NoError(t, err)

	c.CleanupNow(id)
	assert.False(t, c.Has(id))
	assert.Equal(t, 0, b.SubscriberCount(id))
}

func TestClearDestroysAllEntriesAndRejectsNewSubscribers(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithGracePeriod(time.Hour))

	ids := []store.ID{newTestNode(t, b), newTestNode(t, b), newTestNode(t, b)}
	for _, id := range ids {
		_, err := c.Add(id, func(store.Handle) {})
		require.NoError(t, err)
	}

	c.Clear()
	assert.Equal(t, 0, c.Size())
	for _, id := range ids {
		assert.Equal(t, 0, b.SubscriberCount(id))
	}

	_, err := c.Add(ids[0], func(store.Handle) {})
	assert.Error(t, err)
}

func TestAddRejectsBadInput(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b)

	_, err := c.Add("", func(store.Handle) {})
	assert.Error(t, err)

	_, err = c.Add("co_x", nil)
	assert.Error(t, err)
}

func TestConcurrentAddRemove(t *testing.T) {
	b := memstore.New()
	defer func() { _ = b.Close() }()
	c := New(b, WithGracePeriod(time.Millisecond))
	ctx := context.Background()
	id := newTestNode(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := c.Add(id, func(store.Handle) {})
				if err != nil {
					return
				}
				_ = b.SetKey(ctx, id, "k", "v")
				sub.Cancel()
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return c.Count(id) == 0 && !c.Has(id)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.SubscriberCount(id))
}
