package session

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nodekit/config"
	"github.com/c360/nodekit/entity"
	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/resolver"
	"github.com/c360/nodekit/schemareg"
	"github.com/c360/nodekit/store"
	"github.com/c360/nodekit/subcache"
)

// rootMetaKey marks the account root node so later sessions can find it by
// enumeration instead of by a fixed id, which the store cannot provide.
const rootMetaKey = "nodekit_root"

// Session owns every layer of the data-access stack. All components share
// the session's backend, logger and configuration; Close tears them down
// together.
type Session struct {
	id     string
	logger *slog.Logger

	backend  store.Backend
	facade   *store.Facade
	cache    *subcache.Cache
	resolver *resolver.Resolver
	registry *schemareg.Registry
	engine   *entity.Engine

	roots resolver.Roots
	group store.GroupID
}

// Option configures a session.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry prometheus.Registerer
}

// WithLogger sets the structured logger; the session id is attached to it.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers all component collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// groupMinter is implemented by backends that can mint group ids.
type groupMinter interface {
	NewGroup() store.GroupID
}

// New builds a session over backend, bootstrapping the account root and
// namespace registries if the store does not have them yet.
func New(ctx context.Context, cfg *config.Config, backend store.Backend, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "session", "New", "nil backend")
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	s := &Session{
		id:      uuid.NewString(),
		backend: backend,
		facade:  store.NewFacade(backend),
	}
	s.logger = o.logger.With("session_id", s.id)

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}

	cacheOpts := []subcache.Option{
		subcache.WithGracePeriod(cfg.Subscriptions.GracePeriod()),
		subcache.WithLogger(s.logger),
	}
	resolverOpts := []resolver.Option{
		resolver.WithTimeout(cfg.Resolver.Timeout()),
		resolver.WithLogger(s.logger),
	}
	engineOpts := []entity.Option{entity.WithLogger(s.logger)}
	if o.registry != nil {
		cacheOpts = append(cacheOpts, subcache.WithMetrics(o.registry))
		resolverOpts = append(resolverOpts, resolver.WithMetrics(o.registry))
		engineOpts = append(engineOpts, entity.WithMetrics(o.registry))
	}

	s.cache = subcache.New(backend, cacheOpts...)
	s.resolver = resolver.New(s.facade, s.cache, s.roots, resolverOpts...)
	s.registry = schemareg.New(backend, s.resolver, schemareg.WithLogger(s.logger))
	s.engine = entity.New(backend, s.resolver, s.registry, engineOpts...)

	s.logger.Info("session opened",
		"account_root", string(s.roots.Account), "group", string(s.group))
	return s, nil
}

// bootstrap finds the account root or creates the registry chain: schema
// registry, instance registry, group node and the account root pointing at
// all three. Root discovery is by enumeration; if concurrent sessions raced
// on an empty store, every session settles on the smallest root id.
func (s *Session) bootstrap(ctx context.Context) error {
	if root, ok := s.findRoot(); ok {
		return s.adoptRoot(root)
	}

	group := s.mintGroup()
	schemas, err := s.backend.CreateNode(ctx, group, store.CoMap, nil, nil)
	if err != nil {
		return errors.Wrap(err, "session", "bootstrap", "create schema registry")
	}
	instances, err := s.backend.CreateNode(ctx, group, store.CoMap, nil, nil)
	if err != nil {
		return errors.Wrap(err, "session", "bootstrap", "create instance registry")
	}
	groupNode, err := s.backend.CreateNode(ctx, group, store.CoMap, nil, nil)
	if err != nil {
		return errors.Wrap(err, "session", "bootstrap", "create group node")
	}
	_, err = s.backend.CreateNode(ctx, group, store.CoMap, map[string]any{
		"schemas":   string(schemas.ID()),
		"instances": string(instances.ID()),
		"group":     string(groupNode.ID()),
	}, map[string]any{rootMetaKey: "account"})
	if err != nil {
		return errors.Wrap(err, "session", "bootstrap", "create account root")
	}

	// Re-discover instead of trusting our own create: if another session
	// bootstrapped concurrently, both converge on the same winner.
	root, ok := s.findRoot()
	if !ok {
		return errors.WrapTransient(errors.ErrNodeNotFound, "session", "bootstrap", "re-discover account root")
	}
	return s.adoptRoot(root)
}

// findRoot scans for account root candidates and picks the smallest id so
// every replica converges on the same choice.
func (s *Session) findRoot() (store.Handle, bool) {
	var candidates []store.Handle
	for _, h := range s.backend.EnumerateAll() {
		if !h.Available() || h.CoType() != store.CoMap {
			continue
		}
		if marker, ok := h.Header().Meta[rootMetaKey].(string); ok && marker == "account" {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID() < candidates[j].ID()
	})
	return candidates[0], true
}

func (s *Session) adoptRoot(root store.Handle) error {
	content := root.Content()
	groupID, ok := content["group"].(string)
	if !ok || groupID == "" {
		return errors.WrapFatal(errors.ErrKeyNotFound, "session", "bootstrap", "account root has no group node")
	}
	s.roots = resolver.Roots{Account: root.ID(), Group: store.ID(groupID)}
	s.group = root.GroupID()
	return nil
}

func (s *Session) mintGroup() store.GroupID {
	if m, ok := s.backend.(groupMinter); ok {
		return m.NewGroup()
	}
	return store.GroupID("group_" + s.id)
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// Group returns the group that owns the session's root nodes.
func (s *Session) Group() store.GroupID { return s.group }

// Backend exposes the raw store backend.
func (s *Session) Backend() store.Backend { return s.backend }

// Facade exposes loading-tolerant reads.
func (s *Session) Facade() *store.Facade { return s.facade }

// Cache exposes the deduplicating subscription cache.
func (s *Session) Cache() *subcache.Cache { return s.cache }

// Resolver exposes identifier resolution.
func (s *Session) Resolver() *resolver.Resolver { return s.resolver }

// Registry exposes the schema registry.
func (s *Session) Registry() *schemareg.Registry { return s.registry }

// Engine exposes schema-validated CRUD and query.
func (s *Session) Engine() *entity.Engine { return s.engine }

// Close tears down the session: all cached subscriptions are cancelled,
// then the backend is closed.
func (s *Session) Close() error {
	s.cache.Clear()
	err := s.backend.Close()
	s.logger.Info("session closed")
	return err
}
