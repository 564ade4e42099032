package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodekit/store"
)

func TestReactiveSettlesReady(t *testing.T) {
	f := newFixture(t)
	id := f.backend.SeedPending(f.group, store.CoMap, nil)

	s := f.resolver.ResolveReactive(context.Background(), NodeID(id), Options{Return: ReturnValue})
	assert.Equal(t, Loading, s.State())

	f.backend.Complete(id, map[string]any{"text": "hi"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	require.NoError(t, err)
	require.False(t, res.Absent())
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, "hi", res.Value.Content()["text"])
}

func TestReactiveSettlesAbsentOnTimeout(t *testing.T) {
	f := newFixture(t)
	id := f.backend.SeedPending(f.group, store.CoMap, nil)

	s := f.resolver.ResolveReactive(context.Background(), NodeID(id),
		Options{Return: ReturnValue, Timeout: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Absent())
	assert.Equal(t, Ready, s.State(), "absence settles Ready, not Failed")
}

func TestReactiveSettlesFailedOnInvalidInput(t *testing.T) {
	f := newFixture(t)

	s := f.resolver.ResolveReactive(context.Background(), Key("@bogus/x"), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, Failed, s.State())
}

func TestReactiveLateSubscriberFiresImmediately(t *testing.T) {
	f := newFixture(t)
	id := store.ID("co_direct")

	s := f.resolver.ResolveReactive(context.Background(), NodeID(id), Options{Return: ReturnID})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Wait(ctx)
	require.NoError(t, err)

	fired := false
	unsub := s.Subscribe(func() { fired = true })
	defer unsub()
	assert.True(t, fired)
}

func TestReactiveDependentsShareOneSubscription(t *testing.T) {
	f := newFixture(t)
	id := f.backend.SeedPending(f.group, store.CoMap, nil)

	stores := make([]*Store, 0, 4)
	for i := 0; i < 4; i++ {
		stores = append(stores, f.resolver.ResolveReactive(context.Background(),
			NodeID(id), Options{Return: ReturnValue}))
	}

	// All four waiters must share a single low-level subscription.
	require.Eventually(t, func() bool {
		return f.cache.Count(id) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.backend.SubscriberCount(id))

	f.backend.Complete(id, map[string]any{"k": "v"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, s := range stores {
		res, err := s.Wait(ctx)
		require.NoError(t, err)
		assert.False(t, res.Absent())
	}
}

func TestSettleIsExactlyOnce(t *testing.T) {
	s := newStore()
	calls := 0
	s.Subscribe(func() { calls++ })

	s.settle(&Resolution{Outcome: Found}, nil)
	s.settle(&Resolution{Outcome: NotFound}, nil)

	res, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, Found, res.Outcome)
	assert.Equal(t, 1, calls)
}
