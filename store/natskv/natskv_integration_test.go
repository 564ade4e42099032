//go:build integration

package natskv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodekit/store"
)

func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NODEKIT_NATS_URL")
	if url == "" {
		t.Skip("NODEKIT_NATS_URL not set")
	}
	return url
}

func openBackend(t *testing.T, bucket string) *Backend {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := Open(ctx, natsURL(t), bucket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestCreateAndReadBack(t *testing.T) {
	b := openBackend(t, "nodekit-it-create")
	ctx := context.Background()
	group := b.NewGroup()

	h, err := b.CreateNode(ctx, group, store.CoMap, map[string]any{"text": "Buy milk"}, nil)
	require.NoError(t, err)

	got, ok := b.GetNode(h.ID())
	require.True(t, ok, "own writes are readable immediately")
	assert.Equal(t, "Buy milk", got.Content()["text"])
	assert.Equal(t, group, got.GroupID())
}

func TestSubscriberSeesRemoteUpdate(t *testing.T) {
	bucket := "nodekit-it-watch"
	writer := openBackend(t, bucket)
	reader := openBackend(t, bucket)
	ctx := context.Background()

	h, err := writer.CreateNode(ctx, writer.NewGroup(), store.CoMap, nil, nil)
	require.NoError(t, err)

	updates := make(chan store.Handle, 4)
	cancel, err := reader.Subscribe(h.ID(), func(u store.Handle) { updates <- u })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, writer.SetKey(ctx, h.ID(), "text", "from the other replica"))

	select {
	case u := <-updates:
		assert.Equal(t, "from the other replica", u.Content()["text"])
	case <-time.After(5 * time.Second):
		t.Fatal("update never reached the watching replica")
	}
}

func TestConcurrentSetKeyConverges(t *testing.T) {
	b := openBackend(t, "nodekit-it-cas")
	ctx := context.Background()

	h, err := b.CreateNode(ctx, b.NewGroup(), store.CoMap, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 2)
	go func() { done <- b.SetKey(ctx, h.ID(), "a", 1) }()
	go func() { done <- b.SetKey(ctx, h.ID(), "b", 2) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	// CAS retries mean neither write may clobber the other.
	entry, err := b.bucket.Get(ctx, string(h.ID()))
	require.NoError(t, err)
	rec, err := decodeRecord(entry.Value())
	require.NoError(t, err)
	assert.Contains(t, rec.Content, "a")
	assert.Contains(t, rec.Content, "b")
}

func TestMutateMissingNode(t *testing.T) {
	b := openBackend(t, "nodekit-it-missing")

	err := b.SetKey(context.Background(), "co_never_existed", "k", "v")
	assert.Error(t, err)
}
