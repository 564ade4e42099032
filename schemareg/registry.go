package schemareg

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/pkg/retry"
	"github.com/c360/nodekit/resolver"
	"github.com/c360/nodekit/store"
)

// MetaSchemaName names the meta-schema: the unique schema definition whose
// own schema back-reference points at itself.
const MetaSchemaName = "Schema"

// metaSelfPlaceholder is the temporary self-reference written during phase
// one of the meta-schema bootstrap, before the node's real id is known.
const metaSelfPlaceholder = "@self"

// MetaDefinition is the declarative shape of the meta-schema: the schema
// that validates schema definition nodes, including itself.
func MetaDefinition() Definition {
	return Definition{
		Name:   MetaSchemaName,
		CoType: store.CoMap,
		Properties: map[string]Property{
			"name":       {Type: TypeString},
			"cotype":     {Type: TypeString},
			"properties": {Type: TypeObject},
			"required":   {Type: TypeCollection, Items: &Property{Type: TypeString}, Optional: true},
		},
		Required: []string{"name", "cotype"},
	}
}

// Registry finds, creates and converts schema definition nodes. Lookups go
// through the resolver; find-or-create is best-effort check-then-create, not
// linearizable, because the backing store is eventually consistent.
type Registry struct {
	backend store.Backend
	res     *resolver.Resolver
	logger  *slog.Logger

	// convMu serializes descriptor conversion; conversions happen once per
	// schema id, so contention is irrelevant. Stub entries inserted before
	// their fields convert make cyclic schema graphs terminate. inserted
	// tracks the ids published during the current conversion so a failure
	// can evict them all instead of caching half-built descriptors.
	convMu      sync.Mutex
	descriptors map[store.ID]*Descriptor
	inserted    []store.ID

	mu     sync.Mutex
	metaID store.ID
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a schema registry over the given backend and resolver.
func New(backend store.Backend, res *resolver.Resolver, opts ...Option) *Registry {
	r := &Registry{
		backend:     backend,
		res:         res,
		logger:      slog.Default(),
		descriptors: make(map[store.ID]*Descriptor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// schemasRegistry resolves the schema namespace registry node.
func (r *Registry) schemasRegistry(ctx context.Context) (store.Handle, error) {
	res, err := r.res.Resolve(ctx, resolver.Key(resolver.KeyAccount),
		resolver.Options{Return: resolver.ReturnValue})
	if err != nil {
		return nil, err
	}
	if res.Absent() {
		return nil, errors.WrapTransient(errors.ErrNodeUnavailable,
			"schemareg", "schemasRegistry", "load account root")
	}
	regID, ok := res.Value.Content()["schemas"].(string)
	if !ok || regID == "" {
		return nil, errors.WrapFatal(errors.ErrKeyNotFound,
			"schemareg", "schemasRegistry", "account root has no schema registry")
	}

	reg, err := r.res.Resolve(ctx, resolver.NodeID(store.ID(regID)),
		resolver.Options{Return: resolver.ReturnValue})
	if err != nil {
		return nil, err
	}
	if reg.Absent() {
		return nil, errors.WrapTransient(errors.ErrNodeUnavailable,
			"schemareg", "schemasRegistry", "load schema registry")
	}
	return reg.Value, nil
}

// lookup returns the registered node id for a schema name, or absence.
func (r *Registry) lookup(ctx context.Context, name string) (store.ID, bool, error) {
	res, err := r.res.Resolve(ctx, resolver.Key(resolver.SchemaKey(name)),
		resolver.Options{Return: resolver.ReturnID})
	if err != nil {
		return "", false, err
	}
	if res.Absent() {
		return "", false, nil
	}
	return res.ID, true, nil
}

// EnsureSchema is the idempotent find-or-create of the schema definition
// node for name: repeated calls for the same name return the same node id.
// The very first invocation for an account bootstraps the meta-schema.
func (r *Registry) EnsureSchema(ctx context.Context, name string, def Definition) (store.ID, error) {
	if name == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "schemareg", "EnsureSchema", "empty schema name")
	}
	if def.Name == "" {
		def.Name = name
	}
	if def.Name != name {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "schemareg", "EnsureSchema",
			"definition name mismatch for schema "+name)
	}
	if err := def.Validate(); err != nil {
		return "", err
	}

	if id, ok, err := r.lookup(ctx, name); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	meta, err := r.ensureMeta(ctx)
	if err != nil {
		return "", err
	}
	if name == MetaSchemaName {
		return meta, nil
	}

	return r.createAndRegister(ctx, name, def, meta)
}

// ensureMeta finds or bootstraps the self-referencing meta-schema.
//
// Bootstrap is two-phase: the node is created with a placeholder
// self-reference (its real id is unknown until creation), persisted, then
// patched so its schema back-reference points at its own id.
func (r *Registry) ensureMeta(ctx context.Context) (store.ID, error) {
	r.mu.Lock()
	cached := r.metaID
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	if id, ok, err := r.lookup(ctx, MetaSchemaName); err != nil {
		return "", err
	} else if ok {
		r.mu.Lock()
		r.metaID = id
		r.mu.Unlock()
		return id, nil
	}

	reg, err := r.schemasRegistry(ctx)
	if err != nil {
		return "", err
	}

	content := MetaDefinition().contentMap()
	content[store.FieldSchemaRef] = metaSelfPlaceholder
	content[store.FieldLabel] = ""

	h, err := r.backend.CreateNode(ctx, reg.GroupID(), store.CoMap, content,
		map[string]any{store.HeaderMetaSchema: metaSelfPlaceholder})
	if err != nil {
		return "", errors.Wrap(err, "schemareg", "ensureMeta", "create meta-schema node")
	}

	// Phase two: the id exists now, close the self-reference loop.
	if err := r.backend.SetKey(ctx, h.ID(), store.FieldSchemaRef, string(h.ID())); err != nil {
		return "", errors.Wrap(err, "schemareg", "ensureMeta", "patch self-reference")
	}

	id, err := r.register(ctx, reg, MetaSchemaName, h.ID())
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.metaID = id
	r.mu.Unlock()

	r.logger.Info("meta-schema bootstrapped", "schema_id", string(id))
	return id, nil
}

// createAndRegister builds the schema definition node, stamps its
// bookkeeping fields and publishes it under the schema namespace.
func (r *Registry) createAndRegister(
	ctx context.Context, name string, def Definition, meta store.ID,
) (store.ID, error) {
	reg, err := r.schemasRegistry(ctx)
	if err != nil {
		return "", err
	}

	content := def.contentMap()
	content[store.FieldSchemaRef] = string(meta)
	content[store.FieldLabel] = ""

	h, err := r.backend.CreateNode(ctx, reg.GroupID(), store.CoMap, content,
		map[string]any{store.HeaderMetaSchema: string(meta)})
	if err != nil {
		return "", errors.Wrap(err, "schemareg", "EnsureSchema", "create schema node")
	}

	return r.register(ctx, reg, name, h.ID())
}

// register publishes id under name in the schema registry. Check-then-create
// is best-effort against the eventually-consistent store: if a concurrent
// writer won the race, the already-registered id wins and our node is
// abandoned (content cleared, never counted as a schema).
func (r *Registry) register(
	ctx context.Context, reg store.Handle, name string, id store.ID,
) (store.ID, error) {
	winner := id
	err := retry.Do(ctx, retry.Quick(), func() error {
		fresh, ok := r.backend.GetNode(reg.ID())
		if !ok || !fresh.Available() {
			return errors.ErrNodeUnavailable
		}
		if existing, ok := fresh.Content()[name].(string); ok && existing != "" && existing != string(id) {
			winner = store.ID(existing)
			if clearErr := r.backend.ClearContent(ctx, id); clearErr != nil {
				r.logger.Warn("failed to clear losing schema node",
					"schema", name, "node_id", string(id), "error", clearErr)
			}
			return nil
		}
		return r.backend.SetKey(ctx, reg.ID(), name, string(id))
	})
	if err != nil {
		return "", errors.WrapTransient(err, "schemareg", "EnsureSchema", "register schema "+name)
	}
	return winner, nil
}

// MetaID returns the meta-schema node id, bootstrapping it if needed.
func (r *Registry) MetaID(ctx context.Context) (store.ID, error) {
	return r.ensureMeta(ctx)
}

// Descriptor returns the cached runtime shape descriptor for a schema node,
// converting it on first use.
func (r *Registry) Descriptor(ctx context.Context, schemaID store.ID) (*Descriptor, error) {
	r.convMu.Lock()
	defer r.convMu.Unlock()

	r.inserted = r.inserted[:0]
	d, err := r.descriptorLocked(ctx, schemaID)
	if err != nil {
		// Evict everything this conversion published. A referenced node that
		// is still syncing must not poison the cache: the next call
		// reconverts from scratch once it appears.
		for _, id := range r.inserted {
			delete(r.descriptors, id)
		}
		return nil, err
	}
	return d, nil
}

// DescriptorByName looks the schema up in the registry first.
func (r *Registry) DescriptorByName(ctx context.Context, name string) (*Descriptor, error) {
	id, ok, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.WrapTransient(errors.ErrSchemaNotFound,
			"schemareg", "DescriptorByName", "lookup schema "+name)
	}
	return r.Descriptor(ctx, id)
}

// descriptorLocked converts with convMu held. The descriptor is cached
// before its fields convert, so a reference cycle back to this schema links
// to the (still filling) cache entry instead of recursing forever.
func (r *Registry) descriptorLocked(ctx context.Context, schemaID store.ID) (*Descriptor, error) {
	if d, ok := r.descriptors[schemaID]; ok {
		return d, nil
	}

	res, err := r.res.Resolve(ctx, resolver.NodeID(schemaID),
		resolver.Options{Return: resolver.ReturnValue})
	if err != nil {
		return nil, err
	}
	if res.Absent() {
		return nil, errors.WrapTransient(errors.ErrSchemaNotFound,
			"schemareg", "Descriptor", "load schema node "+string(schemaID))
	}

	def := parseDefinition(res.Value.Content())
	d := &Descriptor{
		Name:     def.Name,
		SchemaID: string(schemaID),
		CoType:   def.CoType,
		Fields:   make(map[string]*Field, len(def.Properties)),
		Required: def.Required,
	}
	r.descriptors[schemaID] = d
	r.inserted = append(r.inserted, schemaID)

	for name, prop := range def.Properties {
		field, err := r.fieldLocked(ctx, prop)
		if err != nil {
			return nil, err
		}
		d.Fields[name] = field
	}
	return d, nil
}

func (r *Registry) fieldLocked(ctx context.Context, p Property) (*Field, error) {
	f := &Field{Kind: kindOf(p.Type)}

	switch f.Kind {
	case KindRef:
		id, ok, err := r.lookup(ctx, p.Ref)
		if err != nil {
			return nil, err
		}
		if ok {
			ref, err := r.descriptorLocked(ctx, id)
			if err != nil {
				return nil, err
			}
			f.Ref = ref
		} else {
			// Referenced schema not registered yet: accept any node id and
			// let membership checks happen when it appears.
			r.logger.Debug("ref field targets an unregistered schema", "ref", p.Ref)
		}
	case KindCollection:
		if p.Items != nil {
			item, err := r.fieldLocked(ctx, *p.Items)
			if err != nil {
				return nil, err
			}
			f.Item = item
		} else {
			f.Item = &Field{Kind: KindString}
		}
	}

	if p.Optional {
		applyOptional(f)
	}
	return f, nil
}

// ListSchemas enumerates the schema registry into {name, id, definition}
// tuples for introspection. Entries whose definition node is still loading
// are skipped, not failed: absence now never implies permanent absence.
func (r *Registry) ListSchemas(ctx context.Context) ([]SchemaInfo, error) {
	reg, err := r.schemasRegistry(ctx)
	if err != nil {
		return nil, err
	}

	content := reg.Content()
	infos := make([]SchemaInfo, 0, len(content))
	for name, v := range content {
		idStr, ok := v.(string)
		if !ok || idStr == "" {
			continue
		}
		res, err := r.res.Resolve(ctx, resolver.NodeID(store.ID(idStr)),
			resolver.Options{Return: resolver.ReturnValue})
		if err != nil || res.Absent() {
			r.logger.Debug("skipping schema with unloadable definition", "schema", name)
			continue
		}
		infos = append(infos, SchemaInfo{
			Name:       name,
			ID:         store.ID(idStr),
			Definition: parseDefinition(res.Value.Content()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}
