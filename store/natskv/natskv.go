package natskv

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/pkg/retry"
	"github.com/c360/nodekit/store"
)

// mirrorEntry is the locally replicated state of one node.
type mirrorEntry struct {
	rec *record
	rev uint64
}

// Backend implements store.Backend over a JetStream KV bucket. A bucket-wide
// watcher keeps a local mirror current; GetNode and EnumerateAll read the
// mirror without touching the network. Writes use compare-and-swap on the
// entry revision and retry on conflict.
type Backend struct {
	conn   *nats.Conn
	bucket jetstream.KeyValue
	logger *slog.Logger
	casCfg retry.Config

	mu      sync.Mutex
	mirror  map[store.ID]*mirrorEntry
	subs    map[store.ID]map[int]store.UpdateFunc
	nextSub int
	closed  bool

	// deliverMu serializes subscriber callbacks; deliveredRev coalesces
	// stale snapshots so per-node delivery is monotonic in revision.
	deliverMu    sync.Mutex
	deliveredRev map[store.ID]uint64

	cancelWatch context.CancelFunc
	watchDone   chan struct{}
	closeOnce   sync.Once
}

// Option configures the backend.
type Option func(*Backend)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithRetryConfig overrides the CAS retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(b *Backend) { b.casCfg = cfg }
}

// Open connects to NATS, binds (or creates) the bucket and replays existing
// entries into the local mirror before returning, so reads immediately after
// Open see the replicated state.
func Open(ctx context.Context, url, bucketName string, opts ...Option) (*Backend, error) {
	if url == "" || bucketName == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natskv", "Open", "url and bucket are required")
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "Open", "connect to "+url)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "natskv", "Open", "create jetstream context")
	}

	bucket, err := js.KeyValue(ctx, bucketName)
	if err != nil {
		bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  bucketName,
			History: 1,
		})
		if err != nil {
			// Lost the create race: someone else made it first.
			bucket, err = js.KeyValue(ctx, bucketName)
			if err != nil {
				conn.Close()
				return nil, errors.WrapTransient(err, "natskv", "Open", "bind bucket "+bucketName)
			}
		}
	}

	b := &Backend{
		conn:         conn,
		bucket:       bucket,
		logger:       slog.Default(),
		casCfg:       retry.Quick(),
		mirror:       make(map[store.ID]*mirrorEntry),
		subs:         make(map[store.ID]map[int]store.UpdateFunc),
		deliveredRev: make(map[store.ID]uint64),
		watchDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	if err := b.startWatch(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// startWatch opens the bucket-wide watcher, consumes the initial replay and
// leaves a goroutine applying live updates.
func (b *Backend) startWatch(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	b.cancelWatch = cancel

	watcher, err := b.bucket.WatchAll(watchCtx)
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "natskv", "Open", "watch bucket")
	}

	// The watcher marks the end of the initial replay with a nil entry.
replay:
	for {
		select {
		case entry := <-watcher.Updates():
			if entry == nil {
				break replay
			}
			b.applyRemote(entry)
		case <-ctx.Done():
			cancel()
			_ = watcher.Stop()
			return errors.WrapTransient(ctx.Err(), "natskv", "Open", "initial replay")
		}
	}

	go func() {
		defer close(b.watchDone)
		defer func() { _ = watcher.Stop() }()
		for {
			select {
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry != nil {
					b.applyRemote(entry)
				}
			case <-watchCtx.Done():
				return
			}
		}
	}()
	return nil
}

// applyRemote folds one watcher entry into the mirror.
func (b *Backend) applyRemote(entry jetstream.KeyValueEntry) {
	id := store.ID(entry.Key())
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		b.mu.Lock()
		delete(b.mirror, id)
		b.mu.Unlock()
		return
	}

	rec, err := decodeRecord(entry.Value())
	if err != nil {
		b.logger.Warn("dropping undecodable entry", "key", entry.Key(), "error", err)
		return
	}
	b.apply(id, rec, entry.Revision())
}

// apply installs rec at rev if newer than the mirror and notifies
// subscribers. Delivery is serialized and revision-monotonic per node:
// a snapshot that lost the race is coalesced away, never delivered late.
func (b *Backend) apply(id store.ID, rec *record, rev uint64) {
	b.mu.Lock()
	cur, ok := b.mirror[id]
	if ok && rev <= cur.rev {
		b.mu.Unlock()
		return
	}
	b.mirror[id] = &mirrorEntry{rec: rec, rev: rev}
	fns := make([]store.UpdateFunc, 0, len(b.subs[id]))
	for _, fn := range b.subs[id] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	h := newHandle(rec)

	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	if rev <= b.deliveredRev[id] {
		return
	}
	b.deliveredRev[id] = rev
	for _, fn := range fns {
		fn(h)
	}
}

// NewGroup mints a fresh group id.
func (b *Backend) NewGroup() store.GroupID {
	return store.GroupID("group_" + ulid.Make().String())
}

func mintID() store.ID {
	return store.ID("co_" + ulid.Make().String())
}

// GetNode implements store.Backend from the local mirror.
func (b *Backend) GetNode(id store.ID) (store.Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.mirror[id]
	if !ok {
		return nil, false
	}
	return newHandle(e.rec), true
}

// EnumerateAll implements store.Backend from the local mirror.
func (b *Backend) EnumerateAll() []store.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := make([]store.Handle, 0, len(b.mirror))
	for _, e := range b.mirror {
		all = append(all, newHandle(e.rec))
	}
	return all
}

// Subscribe implements store.Backend. The node does not have to exist yet.
func (b *Backend) Subscribe(id store.ID, fn store.UpdateFunc) (store.CancelFunc, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidIdentity, "natskv", "Subscribe", "empty node id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "natskv", "Subscribe", "backend closed")
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

// CreateNode implements store.Backend.
func (b *Backend) CreateNode(
	ctx context.Context, group store.GroupID, ct store.CoType, content map[string]any, meta map[string]any,
) (store.Handle, error) {
	if !ct.Valid() {
		return nil, errors.WrapInvalid(errors.ErrWrongCoType, "natskv", "CreateNode", "cotype validation")
	}
	if group == "" {
		return nil, errors.WrapInvalid(errors.ErrGroupNotFound, "natskv", "CreateNode", "group validation")
	}

	rec := &record{
		ID:        string(mintID()),
		Group:     string(group),
		CoType:    string(ct),
		Available: true,
		Meta:      maps.Clone(meta),
		CreatedAt: time.Now().UTC(),
		Ruleset:   string(group),
	}
	if ct == store.CoMap {
		rec.Content = maps.Clone(content)
		if rec.Content == nil {
			rec.Content = make(map[string]any)
		}
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "natskv", "CreateNode", "encode node")
	}
	rev, err := b.bucket.Create(ctx, rec.ID, data)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "CreateNode", "kv create "+rec.ID)
	}

	// Apply locally so the caller reads its own write before the watcher
	// echoes it back.
	b.apply(store.ID(rec.ID), rec, rev)
	return newHandle(rec), nil
}

// mutate runs a CAS loop on id: get entry, decode, apply fn, update with
// the entry's revision. Conflicts retry; contract violations do not.
func (b *Backend) mutate(ctx context.Context, id store.ID, op string, want store.CoType, fn func(*record) error) error {
	return retry.Do(ctx, b.casCfg, func() error {
		entry, err := b.bucket.Get(ctx, string(id))
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return retry.NonRetryable(
					errors.WrapTransient(errors.ErrNodeNotFound, "natskv", op, "node lookup"))
			}
			return errors.WrapTransient(err, "natskv", op, "kv get")
		}

		rec, err := decodeRecord(entry.Value())
		if err != nil {
			return retry.NonRetryable(errors.WrapInvalid(err, "natskv", op, "decode node"))
		}
		if want != "" && rec.CoType != string(want) {
			return retry.NonRetryable(
				errors.WrapInvalid(errors.ErrWrongCoType, "natskv", op, "cotype check"))
		}
		if !rec.Available {
			return retry.NonRetryable(
				errors.WrapTransient(errors.ErrNodeUnavailable, "natskv", op, "availability check"))
		}
		if err := fn(rec); err != nil {
			return retry.NonRetryable(err)
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return retry.NonRetryable(errors.WrapInvalid(err, "natskv", op, "encode node"))
		}
		rev, err := b.bucket.Update(ctx, string(id), data, entry.Revision())
		if err != nil {
			// Revision conflict: reload and retry.
			return errors.WrapTransient(errors.ErrRevisionConflict, "natskv", op, "cas update")
		}
		b.apply(id, rec, rev)
		return nil
	})
}

// SetKey implements store.Backend.
func (b *Backend) SetKey(ctx context.Context, id store.ID, key string, value any) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "natskv", "SetKey", "empty key")
	}
	return b.mutate(ctx, id, "SetKey", store.CoMap, func(rec *record) error {
		if rec.Content == nil {
			rec.Content = make(map[string]any)
		}
		rec.Content[key] = value
		return nil
	})
}

// DeleteKey implements store.Backend.
func (b *Backend) DeleteKey(ctx context.Context, id store.ID, key string) error {
	return b.mutate(ctx, id, "DeleteKey", store.CoMap, func(rec *record) error {
		delete(rec.Content, key)
		return nil
	})
}

// Append implements store.Backend.
func (b *Backend) Append(ctx context.Context, id store.ID, value any) error {
	return b.mutate(ctx, id, "Append", "", func(rec *record) error {
		if rec.CoType == string(store.CoMap) {
			return errors.WrapInvalid(errors.ErrWrongCoType, "natskv", "Append", "cotype check")
		}
		rec.Items = append(rec.Items, value)
		return nil
	})
}

// RemoveAt implements store.Backend.
func (b *Backend) RemoveAt(ctx context.Context, id store.ID, index int) error {
	return b.mutate(ctx, id, "RemoveAt", store.CoList, func(rec *record) error {
		if index < 0 || index >= len(rec.Items) {
			return errors.WrapInvalid(errors.ErrInvalidData, "natskv", "RemoveAt", "index bounds check")
		}
		rec.Items = append(rec.Items[:index], rec.Items[index+1:]...)
		return nil
	})
}

// ClearContent implements store.Backend. The entry stays in the bucket;
// only its content empties.
func (b *Backend) ClearContent(ctx context.Context, id store.ID) error {
	return b.mutate(ctx, id, "ClearContent", "", func(rec *record) error {
		if rec.CoType == string(store.CoMap) {
			rec.Content = make(map[string]any)
		} else {
			rec.Items = nil
		}
		return nil
	})
}

// Close implements store.Backend: stops the watcher and drops the NATS
// connection. Safe to call more than once.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.subs = make(map[store.ID]map[int]store.UpdateFunc)
		b.mu.Unlock()

		if b.cancelWatch != nil {
			b.cancelWatch()
			<-b.watchDone
		}
		b.conn.Close()
	})
	return nil
}
