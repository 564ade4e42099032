package subcache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/store"
)

// DefaultGracePeriod is how long an entry with zero subscribers is kept
// before its low-level subscription is closed. A new subscriber arriving
// within the window cancels the cleanup, so churny subscribe/unsubscribe
// patterns cause zero close-then-reopen cycles.
const DefaultGracePeriod = 5000 * time.Millisecond

// Subscription is one logical registration on a node id. Cancel releases
// it; after Cancel returns the callback is never invoked again.
type Subscription struct {
	cache *Cache
	id    store.ID
	token int

	// mu serializes delivery against Cancel so that Cancel can wait out an
	// in-flight invocation of this callback.
	mu     sync.Mutex
	active bool
	fn     store.UpdateFunc

	once sync.Once
}

// NodeID returns the node id this subscription watches.
func (s *Subscription) NodeID() store.ID { return s.id }

// Cancel unregisters the callback. Idempotent. Must not be called from
// inside the callback itself.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		// Block until any in-flight delivery to this callback finishes,
		// then mark dead so later fan-outs skip it.
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()

		s.cache.remove(s)
	})
}

// deliver invokes the callback with its own panic boundary. Returns false
// if the subscription was already cancelled or the callback panicked.
func (s *Subscription) deliver(h store.Handle) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.fn(h)
	return true
}

// entry is the per-node-id bookkeeping record. An entry exists iff its
// subscriber count is >0 or a cleanup timer is pending.
type entry struct {
	subs      map[int]*Subscription
	cancelLow store.CancelFunc
	cleanup   *time.Timer // pending grace-window timer, nil if none
}

// Cache deduplicates low-level subscriptions per node id. All bookkeeping
// operations are synchronous and guarded by one mutex; update delivery from
// the backend is asynchronous and may interleave with them at any point.
type Cache struct {
	backend store.Backend
	grace   time.Duration
	logger  *slog.Logger
	metrics *cacheMetrics

	mu        sync.Mutex
	entries   map[store.ID]*entry
	nextToken int
	closed    bool
}

// Option configures the cache.
type Option func(*Cache)

// WithGracePeriod overrides the zero-subscriber grace window. Zero means
// cleanup runs as soon as the last subscriber leaves; negative values keep
// the default.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics exposes cache gauges and counters on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		if reg != nil {
			c.metrics = newCacheMetrics(reg)
		}
	}
}

// New creates a subscription cache over the given backend.
func New(backend store.Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		grace:   DefaultGracePeriod,
		logger:  slog.Default(),
		entries: make(map[store.ID]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Add registers fn for updates to id. The first subscriber for an id opens
// exactly one low-level subscription; later subscribers share it. A pending
// cleanup timer for the id is cancelled, so re-subscribing within the grace
// window causes no subscription churn.
func (c *Cache) Add(id store.ID, fn store.UpdateFunc) (*Subscription, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidIdentity, "subcache", "Add", "empty node id")
	}
	if fn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "subcache", "Add", "nil callback")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "subcache", "Add", "cache closed")
	}

	e, ok := c.entries[id]
	if !ok {
		cancelLow, err := c.backend.Subscribe(id, c.fanOut(id))
		if err != nil {
			return nil, errors.WrapTransient(err, "subcache", "Add", "open low-level subscription")
		}
		e = &entry{
			subs:      make(map[int]*Subscription),
			cancelLow: cancelLow,
		}
		c.entries[id] = e
		if c.metrics != nil {
			c.metrics.opened.Inc()
			c.metrics.active.Set(float64(len(c.entries)))
		}
	}

	if e.cleanup != nil {
		e.cleanup.Stop()
		e.cleanup = nil
		if c.metrics != nil {
			c.metrics.cleanupsCancelled.Inc()
		}
	}

	sub := &Subscription{
		cache:  c,
		id:     id,
		token:  c.nextToken,
		active: true,
		fn:     fn,
	}
	c.nextToken++
	e.subs[sub.token] = sub
	return sub, nil
}

// fanOut builds the single low-level update handler for id. Each update is
// delivered to a snapshot of the registered callbacks, each inside its own
// panic boundary; failures are aggregated without aborting the loop.
func (c *Cache) fanOut(id store.ID) store.UpdateFunc {
	return func(h store.Handle) {
		c.mu.Lock()
		e, ok := c.entries[id]
		if !ok {
			c.mu.Unlock()
			return
		}
		snapshot := make([]*Subscription, 0, len(e.subs))
		for _, sub := range e.subs {
			snapshot = append(snapshot, sub)
		}
		c.mu.Unlock()

		failed := 0
		for _, sub := range snapshot {
			if !sub.deliver(h) {
				failed++
			}
		}
		if failed > 0 {
			c.logger.Warn("subscriber callback panicked during fan-out",
				"node_id", string(id), "failed", failed, "delivered", len(snapshot)-failed)
			if c.metrics != nil {
				c.metrics.fanOutFailures.Add(float64(failed))
			}
		}
	}
}

// remove unregisters one subscription handle. When the count reaches zero,
// cleanup of the low-level subscription is scheduled after the grace window
// rather than performed immediately.
func (c *Cache) remove(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sub.id]
	if !ok {
		return
	}
	if _, ok := e.subs[sub.token]; !ok {
		return
	}
	delete(e.subs, sub.token)
	if len(e.subs) > 0 {
		return
	}

	id := sub.id
	e.cleanup = time.AfterFunc(c.grace, func() { c.expire(id) })
}

// expire runs when a grace window elapses. The entry is destroyed only if
// no subscriber arrived in the meantime.
func (c *Cache) expire(id store.ID) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || len(e.subs) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.entries, id)
	cancelLow := e.cancelLow
	if c.metrics != nil {
		c.metrics.closed.Inc()
		c.metrics.active.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	cancelLow()
}

// CleanupNow bypasses the grace window: the low-level subscription is closed
// and the entry deleted immediately, regardless of subscriber count.
func (c *Cache) CleanupNow(id store.ID) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.cleanup != nil {
		e.cleanup.Stop()
	}
	for _, sub := range e.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	delete(c.entries, id)
	cancelLow := e.cancelLow
	if c.metrics != nil {
		c.metrics.closed.Inc()
		c.metrics.active.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	cancelLow()
}

// Clear force-destroys every entry. Shutdown path: the cache rejects new
// subscribers afterwards.
func (c *Cache) Clear() {
	c.mu.Lock()
	ids := make([]store.ID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.closed = true
	c.mu.Unlock()

	for _, id := range ids {
		c.CleanupNow(id)
	}
}

// Count returns the number of live subscription handles for id.
func (c *Cache) Count(id store.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return len(e.subs)
	}
	return 0
}

// Has reports whether an entry exists for id (live subscribers or a pending
// cleanup timer).
func (c *Cache) Has(id store.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Size returns the number of entries currently held.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
