package memstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/store"
)

func TestCreateAndGetNode(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	group := b.NewGroup()

	h, err := b.CreateNode(context.Background(), group, store.CoMap,
		map[string]any{"text": "Buy milk"}, map[string]any{store.HeaderMetaSchema: "schema_todo"})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())
	assert.True(t, h.Available())
	assert.Equal(t, store.CoMap, h.CoType())
	assert.Equal(t, group, h.GroupID())
	assert.Equal(t, "Buy milk", h.Content()["text"])
	assert.Equal(t, "schema_todo", h.Header().Meta[store.HeaderMetaSchema])

	got, ok := b.GetNode(h.ID())
	require.True(t, ok)
	assert.Equal(t, h.ID(), got.ID())

	_, ok = b.GetNode("co_missing")
	assert.False(t, ok)
}

func TestCreateNodeRejectsBadInput(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()

	_, err := b.CreateNode(context.Background(), "", store.CoMap, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = b.CreateNode(context.Background(), b.NewGroup(), store.CoType("bogus"), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestHandleIsSnapshot(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	h, err := b.CreateNode(ctx, b.NewGroup(), store.CoMap, map[string]any{"text": "before"}, nil)
	require.NoError(t, err)

	require.NoError(t, b.SetKey(ctx, h.ID(), "text", "after"))

	// The old handle still sees the old content; a fresh one sees the write.
	assert.Equal(t, "before", h.Content()["text"])
	fresh, ok := b.GetNode(h.ID())
	require.True(t, ok)
	assert.Equal(t, "after", fresh.Content()["text"])
}

func TestListOperations(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	h, err := b.CreateNode(ctx, b.NewGroup(), store.CoList, nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.Append(ctx, h.ID(), "a"))
	require.NoError(t, b.Append(ctx, h.ID(), "b"))
	require.NoError(t, b.Append(ctx, h.ID(), "c"))
	require.NoError(t, b.RemoveAt(ctx, h.ID(), 1))

	fresh, _ := b.GetNode(h.ID())
	assert.Equal(t, []any{"a", "c"}, fresh.Items())

	err = b.RemoveAt(ctx, h.ID(), 5)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCoTypeMismatchRejected(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	m, err := b.CreateNode(ctx, b.NewGroup(), store.CoMap, nil, nil)
	require.NoError(t, err)

	err = b.Append(ctx, m.ID(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrWrongCoType))
}

func TestClearContentKeepsNode(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	h, err := b.CreateNode(ctx, b.NewGroup(), store.CoMap, map[string]any{"k": "v"}, nil)
	require.NoError(t, err)
	require.NoError(t, b.ClearContent(ctx, h.ID()))

	fresh, ok := b.GetNode(h.ID())
	require.True(t, ok)
	assert.True(t, fresh.Available())
	assert.Empty(t, fresh.Content())
}

func TestPendingNodeBecomesAvailable(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	group := b.NewGroup()

	id := b.SeedPending(group, store.CoMap, nil)
	h, ok := b.GetNode(id)
	require.True(t, ok)
	assert.False(t, h.Available())
	assert.Nil(t, h.Content())

	// Writes against a loading node degrade to a transient error.
	err := b.SetKey(context.Background(), id, "k", "v")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	require.True(t, b.Complete(id, map[string]any{"k": "v"}, nil))
	h, _ = b.GetNode(id)
	assert.True(t, h.Available())
	assert.Equal(t, "v", h.Content()["k"])
}

func TestSubscribeDeliversUpdatesInOrder(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	h, err := b.CreateNode(ctx, b.NewGroup(), store.CoMap, nil, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	cancel, err := b.Subscribe(h.ID(), func(u store.Handle) {
		mu.Lock()
		defer mu.Unlock()
		if v, ok := u.Content()["text"].(string); ok {
			seen = append(seen, v)
		}
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.SetKey(ctx, h.ID(), "text", "one"))
	require.NoError(t, b.SetKey(ctx, h.ID(), "text", "two"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, seen)
}

func TestSubscribeBeforeNodeExistsFiresOnSync(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	group := b.NewGroup()
	id := b.SeedPending(group, store.CoMap, nil)

	fired := false
	cancel, err := b.Subscribe(id, func(u store.Handle) {
		fired = u.Available()
	})
	require.NoError(t, err)
	defer cancel()

	b.Complete(id, map[string]any{"k": "v"}, nil)
	assert.True(t, fired)
}

func TestCancelStopsDeliveryAndCountsDrop(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	h, err := b.CreateNode(ctx, b.NewGroup(), store.CoMap, nil, nil)
	require.NoError(t, err)

	calls := 0
	cancel, err := b.Subscribe(h.ID(), func(store.Handle) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount(h.ID()))

	require.NoError(t, b.SetKey(ctx, h.ID(), "k", "v"))
	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, b.SubscriberCount(h.ID()))

	require.NoError(t, b.SetKey(ctx, h.ID(), "k", "v2"))
	assert.Equal(t, 1, calls)
}

func TestEnumerateAllIncludesLoadingNodes(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	group := b.NewGroup()

	_, err := b.CreateNode(context.Background(), group, store.CoMap, nil, nil)
	require.NoError(t, err)
	b.SeedPending(group, store.CoMap, nil)

	all := b.EnumerateAll()
	assert.Len(t, all, 2)
}

func TestSchemaRefOf(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()
	ctx := context.Background()
	group := b.NewGroup()

	withField, err := b.CreateNode(ctx, group, store.CoMap,
		map[string]any{store.FieldSchemaRef: "schema_a"}, nil)
	require.NoError(t, err)
	ref, ok := store.SchemaRefOf(withField)
	require.True(t, ok)
	assert.Equal(t, store.ID("schema_a"), ref)

	headerOnly, err := b.CreateNode(ctx, group, store.CoMap, nil,
		map[string]any{store.HeaderMetaSchema: "schema_b"})
	require.NoError(t, err)
	ref, ok = store.SchemaRefOf(headerOnly)
	require.True(t, ok)
	assert.Equal(t, store.ID("schema_b"), ref)

	bare, err := b.CreateNode(ctx, group, store.CoMap, nil, nil)
	require.NoError(t, err)
	_, ok = store.SchemaRefOf(bare)
	assert.False(t, ok)
}
