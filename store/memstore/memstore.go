// Package memstore provides an in-memory store.Backend for tests and
// single-process development. It honors the replica contract: per-node
// operation ordering, no physical deletion, and explicit control over
// progressive availability so callers can exercise "still loading" paths.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/store"
)

// node is the mutable replica state of one id. Guarded by Backend.mu.
type node struct {
	id        store.ID
	cotype    store.CoType
	group     store.GroupID
	header    store.Header
	content   map[string]any
	items     []any
	available bool
}

// handle is an immutable snapshot of a node taken under the backend lock.
type handle struct {
	id        store.ID
	cotype    store.CoType
	group     store.GroupID
	header    store.Header
	content   map[string]any
	items     []any
	available bool
}

func (h *handle) ID() store.ID            { return h.id }
func (h *handle) CoType() store.CoType    { return h.cotype }
func (h *handle) GroupID() store.GroupID  { return h.group }
func (h *handle) Available() bool         { return h.available }
func (h *handle) Header() store.Header    { return h.header }
func (h *handle) Content() map[string]any { return h.content }
func (h *handle) Items() []any            { return h.items }

// Backend is an in-memory implementation of store.Backend.
type Backend struct {
	mu      sync.Mutex
	nodes   map[store.ID]*node
	subs    map[store.ID]map[int]store.UpdateFunc
	nextSub int
	closed  bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		nodes: make(map[store.ID]*node),
		subs:  make(map[store.ID]map[int]store.UpdateFunc),
	}
}

// NewGroup mints a fresh group id. The in-memory backend does not enforce
// access control; groups exist so ownership flows through the data model.
func (b *Backend) NewGroup() store.GroupID {
	return store.GroupID("group_" + ulid.Make().String())
}

func mintID() store.ID {
	return store.ID("co_" + ulid.Make().String())
}

// snapshot must be called with b.mu held.
func (n *node) snapshot() *handle {
	h := &handle{
		id:        n.id,
		cotype:    n.cotype,
		group:     n.group,
		header:    n.header,
		available: n.available,
	}
	if !n.available {
		return h
	}
	switch n.cotype {
	case store.CoMap:
		h.content = maps.Clone(n.content)
	case store.CoList, store.CoStream:
		h.items = slices.Clone(n.items)
	}
	return h
}

// GetNode implements store.Backend.
func (b *Backend) GetNode(id store.ID) (store.Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return nil, false
	}
	return n.snapshot(), true
}

// EnumerateAll implements store.Backend.
func (b *Backend) EnumerateAll() []store.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := make([]store.Handle, 0, len(b.nodes))
	for _, n := range b.nodes {
		all = append(all, n.snapshot())
	}
	return all
}

// Subscribe implements store.Backend. The node does not have to exist yet;
// the callback fires on every subsequent change, including the transition
// from loading to available.
func (b *Backend) Subscribe(id store.ID, fn store.UpdateFunc) (store.CancelFunc, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidIdentity, "memstore", "Subscribe", "empty node id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "memstore", "Subscribe", "backend closed")
	}
	token := b.nextSub
	b.nextSub++
	if b.subs[id] == nil {
		b.subs[id] = make(map[int]store.UpdateFunc)
	}
	b.subs[id][token] = fn

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[id]; ok {
				delete(set, token)
				if len(set) == 0 {
					delete(b.subs, id)
				}
			}
		})
	}
	return cancel, nil
}

// notify delivers the current snapshot to every subscriber of id. Delivery
// happens outside the lock in the mutating goroutine, which preserves the
// replica's per-node ordering guarantee.
func (b *Backend) notify(id store.ID) {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	snap := n.snapshot()
	fns := make([]store.UpdateFunc, 0, len(b.subs[id]))
	for _, fn := range b.subs[id] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// CreateNode implements store.Backend.
func (b *Backend) CreateNode(
	_ context.Context, group store.GroupID, ct store.CoType, content map[string]any, meta map[string]any,
) (store.Handle, error) {
	if !ct.Valid() {
		return nil, errors.WrapInvalid(errors.ErrWrongCoType, "memstore", "CreateNode", "cotype validation")
	}
	if group == "" {
		return nil, errors.WrapInvalid(errors.ErrGroupNotFound, "memstore", "CreateNode", "group validation")
	}

	n := &node{
		id:     mintID(),
		cotype: ct,
		group:  group,
		header: store.Header{
			Meta:      maps.Clone(meta),
			CreatedAt: time.Now(),
			Ruleset:   string(group),
		},
		available: true,
	}
	if ct == store.CoMap {
		n.content = maps.Clone(content)
		if n.content == nil {
			n.content = make(map[string]any)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "memstore", "CreateNode", "backend closed")
	}
	b.nodes[n.id] = n
	snap := n.snapshot()
	b.mu.Unlock()

	b.notify(n.id)
	return snap, nil
}

// mutate locates an available node of the expected cotype and applies fn
// under the lock, then notifies subscribers.
func (b *Backend) mutate(id store.ID, op string, want store.CoType, fn func(*node) error) error {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		return errors.WrapTransient(errors.ErrNodeNotFound, "memstore", op, "node lookup")
	}
	if want != "" && n.cotype != want {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrWrongCoType, "memstore", op, "cotype check")
	}
	if !n.available {
		b.mu.Unlock()
		return errors.WrapTransient(errors.ErrNodeUnavailable, "memstore", op, "availability check")
	}
	if err := fn(n); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	b.notify(id)
	return nil
}

// SetKey implements store.Backend.
func (b *Backend) SetKey(_ context.Context, id store.ID, key string, value any) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "memstore", "SetKey", "empty key")
	}
	return b.mutate(id, "SetKey", store.CoMap, func(n *node) error {
		n.content[key] = value
		return nil
	})
}

// DeleteKey implements store.Backend.
func (b *Backend) DeleteKey(_ context.Context, id store.ID, key string) error {
	return b.mutate(id, "DeleteKey", store.CoMap, func(n *node) error {
		delete(n.content, key)
		return nil
	})
}

// Append implements store.Backend.
func (b *Backend) Append(_ context.Context, id store.ID, value any) error {
	return b.mutate(id, "Append", "", func(n *node) error {
		if n.cotype == store.CoMap {
			return errors.WrapInvalid(errors.ErrWrongCoType, "memstore", "Append", "cotype check")
		}
		n.items = append(n.items, value)
		return nil
	})
}

// RemoveAt implements store.Backend.
func (b *Backend) RemoveAt(_ context.Context, id store.ID, index int) error {
	return b.mutate(id, "RemoveAt", store.CoList, func(n *node) error {
		if index < 0 || index >= len(n.items) {
			return errors.WrapInvalid(errors.ErrInvalidData, "memstore", "RemoveAt", "index bounds check")
		}
		n.items = slices.Delete(n.items, index, index+1)
		return nil
	})
}

// ClearContent implements store.Backend. The node stays known to the
// replica; only its content is emptied.
func (b *Backend) ClearContent(_ context.Context, id store.ID) error {
	return b.mutate(id, "ClearContent", "", func(n *node) error {
		if n.cotype == store.CoMap {
			n.content = make(map[string]any)
		} else {
			n.items = nil
		}
		return nil
	})
}

// Close implements store.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[store.ID]map[int]store.UpdateFunc)
	return nil
}

// SeedPending registers a node that is known to the replica but whose
// content has not synced yet. Tests use it to exercise progressive-loading
// paths; Complete finishes the sync.
func (b *Backend) SeedPending(group store.GroupID, ct store.CoType, meta map[string]any) store.ID {
	n := &node{
		id:     mintID(),
		cotype: ct,
		group:  group,
		header: store.Header{
			Meta:      maps.Clone(meta),
			CreatedAt: time.Now(),
			Ruleset:   string(group),
		},
	}
	b.mu.Lock()
	b.nodes[n.id] = n
	b.mu.Unlock()
	return n.id
}

// Complete marks a pending node as synced with the given content and fires
// subscriber updates, simulating the replica finishing a sync.
func (b *Backend) Complete(id store.ID, content map[string]any, items []any) bool {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	n.available = true
	if n.cotype == store.CoMap {
		n.content = maps.Clone(content)
		if n.content == nil {
			n.content = make(map[string]any)
		}
	} else {
		n.items = slices.Clone(items)
	}
	b.mu.Unlock()

	b.notify(id)
	return true
}

// SubscriberCount reports how many low-level subscriptions are open for id.
// Tests use it to verify subscription deduplication.
func (b *Backend) SubscriberCount(id store.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}
