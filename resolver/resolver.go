package resolver

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/store"
	"github.com/c360/nodekit/subcache"
)

// DefaultTimeout bounds every blocking wait for a node to become available.
// Unbounded waits are disallowed by design: a missing or slow remote peer
// degrades to an absent result rather than hanging the caller.
const DefaultTimeout = 5000 * time.Millisecond

// ReturnKind selects the shape of the resolved result.
type ReturnKind int

const (
	// ReturnID yields only the node id.
	ReturnID ReturnKind = iota
	// ReturnValue yields a live handle on the node.
	ReturnValue
	// ReturnSchema yields the node's content treated as a schema
	// definition, bookkeeping fields stripped and a canonical id attached.
	ReturnSchema
)

// Options tunes one resolution.
type Options struct {
	Return  ReturnKind
	Timeout time.Duration // <=0 uses the resolver default
}

// Outcome classifies the result of a resolution. Timeouts and genuine
// absence are distinct outcomes so callers can retry timeouts and give up on
// absence; progressive call paths treat both as absent.
type Outcome int

const (
	// Found means the identifier resolved.
	Found Outcome = iota
	// NotFound means a registry hop was ready but lacked the key, or a
	// required field was missing. Retrying will not help.
	NotFound
	// TimedOut means a node did not become available within budget; it may
	// appear later as replication progresses.
	TimedOut
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Resolution is the result of resolving one identifier. Exactly one of the
// payload fields is populated, matching the requested ReturnKind, and only
// when Outcome is Found.
type Resolution struct {
	Outcome Outcome
	ID      store.ID       // ReturnID, and always set alongside Schema/Value when known
	Value   store.Handle   // ReturnValue
	Schema  map[string]any // ReturnSchema
}

// Absent reports whether the resolution carries no result. Both NotFound and
// TimedOut are absent; nil resolutions are absent too.
func (r *Resolution) Absent() bool {
	return r == nil || r.Outcome != Found
}

// Roots anchors the fixed registry chain for one account.
type Roots struct {
	// Account is the account's root registry node: a comap mapping
	// namespace entries ("schemas", "instances") to registry node ids.
	Account store.ID
	// Group is the node representing the account's permission group.
	Group store.ID
}

// Resolver converts identifiers into ids, schema definitions, or live
// values, tolerating partially-synced data at every read. All waits are
// event-driven through the subscription cache, so N concurrent resolutions
// of the same identifier share one low-level subscription.
type Resolver struct {
	facade  *store.Facade
	cache   *subcache.Cache
	roots   Roots
	timeout time.Duration
	logger  *slog.Logger
	metrics *resolverMetrics
}

// Option configures the resolver.
type Option func(*Resolver)

// WithTimeout overrides the default per-call resolution timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics exposes resolution counters on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Resolver) {
		if reg != nil {
			r.metrics = newResolverMetrics(reg)
		}
	}
}

// New creates a resolver over the given facade and subscription cache,
// anchored at the account's registry roots.
func New(facade *store.Facade, cache *subcache.Cache, roots Roots, opts ...Option) *Resolver {
	r := &Resolver{
		facade:  facade,
		cache:   cache,
		roots:   roots,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve converts an identifier into the requested result shape, blocking
// until the involved nodes are available or the timeout elapses.
//
// Failure policy: a timeout or a missing intermediate yields an absent
// Resolution with a nil error, because absence during progressive sync is an
// expected, recoverable state. Errors are returned only for invalid input.
func (r *Resolver) Resolve(ctx context.Context, ident Identifier, opts Options) (*Resolution, error) {
	res, err := r.resolve(ctx, ident, opts, 0)
	if r.metrics != nil {
		outcome := "error"
		if err == nil {
			outcome = res.Outcome.String()
		}
		r.metrics.resolutions.WithLabelValues(outcome).Inc()
	}
	return res, err
}

// maxDepth bounds recursion through derived and registry indirections.
const maxDepth = 8

func (r *Resolver) resolve(ctx context.Context, ident Identifier, opts Options, depth int) (*Resolution, error) {
	if depth > maxDepth {
		return nil, errors.WrapInvalid(errors.ErrInvalidIdentity,
			"resolver", "Resolve", "identifier indirection too deep")
	}

	switch ident.kind {
	case kindDerived:
		return r.resolveDerived(ctx, ident.id, opts, depth)
	case kindKey:
		return r.resolveKey(ctx, ident.key, opts, depth)
	default:
		return r.resolveNode(ctx, ident.id, opts)
	}
}

// resolveNode handles a raw node id per the requested return kind.
func (r *Resolver) resolveNode(ctx context.Context, id store.ID, opts Options) (*Resolution, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidIdentity, "resolver", "Resolve", "empty node id")
	}

	// Identity law: a direct id asked back as an id needs no wait.
	if opts.Return == ReturnID {
		return &Resolution{Outcome: Found, ID: id}, nil
	}

	h, outcome := r.waitReady(ctx, id, opts.Timeout)
	if outcome != Found {
		return &Resolution{Outcome: outcome, ID: id}, nil
	}

	switch opts.Return {
	case ReturnValue:
		return &Resolution{Outcome: Found, ID: id, Value: h}, nil
	case ReturnSchema:
		return &Resolution{Outcome: Found, ID: id, Schema: schemaView(h)}, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "resolver", "Resolve", "unknown return kind")
	}
}

// resolveDerived loads the source node, reads its schema back-reference and
// recurses into it.
func (r *Resolver) resolveDerived(ctx context.Context, source store.ID, opts Options, depth int) (*Resolution, error) {
	h, outcome := r.waitReady(ctx, source, opts.Timeout)
	if outcome != Found {
		return &Resolution{Outcome: outcome}, nil
	}

	ref, ok := store.SchemaRefOf(h)
	if !ok {
		r.logger.Debug("source node carries no schema reference", "node_id", string(source))
		return &Resolution{Outcome: NotFound}, nil
	}
	if opts.Return == ReturnID {
		return &Resolution{Outcome: Found, ID: ref}, nil
	}
	return r.resolve(ctx, NodeID(ref), opts, depth+1)
}

// resolveKey walks the fixed registry chain. A miss returns absence, never
// a scan fallback.
func (r *Resolver) resolveKey(ctx context.Context, key string, opts Options, depth int) (*Resolution, error) {
	namespace, name, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}

	// Hard-coded exception keys for foundational structures.
	switch namespace {
	case KeyAccount:
		return r.resolve(ctx, NodeID(r.roots.Account), opts, depth+1)
	case KeyGroup:
		return r.resolve(ctx, NodeID(r.roots.Group), opts, depth+1)
	}

	rootEntry := rootEntryInstances
	if namespace == SchemaNamespace {
		rootEntry = rootEntrySchemas
	}

	// Hop 1: the account root registry.
	root, outcome := r.waitReady(ctx, r.roots.Account, opts.Timeout)
	if outcome != Found {
		return &Resolution{Outcome: outcome}, nil
	}
	registryID, ok := registryEntry(root, rootEntry)
	if !ok {
		r.logger.Warn("account root registry is missing a namespace entry",
			"entry", rootEntry, "account", string(r.roots.Account))
		return &Resolution{Outcome: NotFound}, nil
	}

	// Hop 2: the namespace registry.
	registry, outcome := r.waitReady(ctx, registryID, opts.Timeout)
	if outcome != Found {
		return &Resolution{Outcome: outcome}, nil
	}
	target, ok := registryEntry(registry, name)
	if !ok {
		// Schema lookups miss routinely while a schema is being ensured;
		// those misses are expected, everything else is diagnostic-worthy.
		if namespace == SchemaNamespace {
			r.logger.Debug("registry miss in on-demand namespace", "key", key)
		} else {
			r.logger.Info("registry miss", "key", key)
		}
		return &Resolution{Outcome: NotFound}, nil
	}

	return r.resolve(ctx, NodeID(target), opts, depth+1)
}

// registryEntry reads one key of a ready registry node.
func registryEntry(registry store.Handle, key string) (store.ID, bool) {
	content := registry.Content()
	if content == nil {
		return "", false
	}
	if id, ok := content[key].(string); ok && id != "" {
		return store.ID(id), true
	}
	return "", false
}

// schemaView renders a node's content as a schema definition: bookkeeping
// fields stripped, the canonical id attached.
func schemaView(h store.Handle) map[string]any {
	view := maps.Clone(h.Content())
	if view == nil {
		view = make(map[string]any)
	}
	delete(view, store.FieldSchemaRef)
	delete(view, store.FieldLabel)
	view["id"] = string(h.ID())
	return view
}

// waitReady blocks until the node is available, the timeout elapses, or ctx
// is cancelled. The wait is event-driven via the subscription cache, so
// concurrent waiters on one id share a single low-level subscription.
func (r *Resolver) waitReady(ctx context.Context, id store.ID, timeout time.Duration) (store.Handle, Outcome) {
	if h, ok := r.facade.Node(id); ok && h.Available() {
		return h, Found
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	ready := make(chan store.Handle, 1)
	sub, err := r.cache.Add(id, func(h store.Handle) {
		if h.Available() {
			select {
			case ready <- h:
			default:
			}
		}
	})
	if err != nil {
		return nil, TimedOut
	}
	defer sub.Cancel()

	// The node may have become available between the first check and the
	// subscription opening.
	if h, ok := r.facade.Node(id); ok && h.Available() {
		return h, Found
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case h := <-ready:
		return h, Found
	case <-timer.C:
		return nil, TimedOut
	case <-ctx.Done():
		return nil, TimedOut
	}
}
