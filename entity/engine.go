package entity

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/pkg/retry"
	"github.com/c360/nodekit/resolver"
	"github.com/c360/nodekit/schemareg"
	"github.com/c360/nodekit/store"
)

// Engine performs schema-validated create, update, delete and query over
// entity nodes. Operations are best-effort sequential: the backing store has
// no cross-node transactions, so a failure mid-operation leaves earlier
// steps applied and is always surfaced to the caller.
type Engine struct {
	backend  store.Backend
	facade   *store.Facade
	res      *resolver.Resolver
	registry *schemareg.Registry
	logger   *slog.Logger
	metrics  *engineMetrics

	// compiled filter programs, keyed by expression source
	filterMu sync.Mutex
	filters  map[string]*vm.Program
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics registers the engine's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = newEngineMetrics(reg)
	}
}

// New creates a CRUD engine over the given backend, resolver and registry.
func New(backend store.Backend, res *resolver.Resolver, registry *schemareg.Registry, opts ...Option) *Engine {
	e := &Engine{
		backend:  backend,
		facade:   store.NewFacade(backend),
		res:      res,
		registry: registry,
		logger:   slog.Default(),
		filters:  make(map[string]*vm.Program),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Create validates data against schemaName's descriptor, constructs the
// entity node with its schema back-reference and empty display-label, and
// appends it to the schema's collection. The steps are sequential: if the
// append fails after the node was constructed, the error is surfaced and the
// entity is not reachable through Query.
func (e *Engine) Create(ctx context.Context, schemaName string, data map[string]any) (store.Handle, error) {
	desc, err := e.registry.DescriptorByName(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	for _, k := range []string{store.FieldSchemaRef, store.FieldLabel} {
		if _, ok := data[k]; ok {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "entity", "Create",
				"data must not set bookkeeping field "+k)
		}
	}
	if verr := schemareg.Validate(desc, data); verr != nil {
		return nil, verr
	}

	coll, err := e.ensureCollection(ctx, schemaName)
	if err != nil {
		return nil, err
	}

	ct := desc.CoType
	if ct == "" {
		ct = store.CoMap
	}
	content := maps.Clone(data)
	if content == nil {
		content = make(map[string]any, 2)
	}
	content[store.FieldSchemaRef] = desc.SchemaID
	content[store.FieldLabel] = ""

	h, err := e.backend.CreateNode(ctx, coll.GroupID(), ct, content,
		map[string]any{store.HeaderMetaSchema: desc.SchemaID})
	if err != nil {
		return nil, errors.Wrap(err, "entity", "Create", "construct "+schemaName+" node")
	}

	if err := e.backend.Append(ctx, coll.ID(), string(h.ID())); err != nil {
		return nil, errors.Wrap(err, "entity", "Create",
			"append "+string(h.ID())+" to collection; entity is orphaned")
	}

	e.metrics.op("create")
	e.logger.Debug("entity created", "schema", schemaName, "node_id", string(h.ID()))
	return h, nil
}

// Update applies the explicitly provided fields of partial to the node. The
// descriptor comes from the node's own schema back-reference; the merged
// content is validated before any key is written.
func (e *Engine) Update(ctx context.Context, id store.ID, partial map[string]any) (store.Handle, error) {
	if len(partial) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "entity", "Update", "empty partial")
	}
	for _, k := range []string{store.FieldSchemaRef, store.FieldLabel} {
		if _, ok := partial[k]; ok {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "entity", "Update",
				"partial must not set bookkeeping field "+k)
		}
	}

	h, ok := e.backend.GetNode(id)
	if !ok {
		return nil, errors.WrapTransient(errors.ErrNodeNotFound, "entity", "Update", "load "+string(id))
	}
	if !h.Available() {
		return nil, errors.WrapTransient(errors.ErrNodeUnavailable, "entity", "Update", "load "+string(id))
	}

	ref, ok := store.SchemaRefOf(h)
	if !ok {
		return nil, &errors.SchemaIntegrityError{NodeID: string(id), SchemaRef: "",
			Cause: errors.ErrInvalidIdentity}
	}
	desc, err := e.registry.Descriptor(ctx, ref)
	if err != nil {
		return nil, &errors.SchemaIntegrityError{NodeID: string(id), SchemaRef: string(ref), Cause: err}
	}

	merged := userContent(h)
	maps.Copy(merged, partial)
	if verr := schemareg.Validate(desc, merged); verr != nil {
		return nil, verr
	}

	for k, v := range partial {
		if err := e.backend.SetKey(ctx, id, k, v); err != nil {
			return nil, errors.Wrap(err, "entity", "Update", "set "+k+" on "+string(id))
		}
	}

	e.metrics.op("update")
	fresh, _ := e.backend.GetNode(id)
	return fresh, nil
}

// Delete removes the entity from its schema's collection by identity. A
// node that is not a member of its collection yields a MembershipError,
// never a silent no-op.
func (e *Engine) Delete(ctx context.Context, id store.ID) error {
	h, ok := e.backend.GetNode(id)
	if !ok {
		return errors.WrapTransient(errors.ErrNodeNotFound, "entity", "Delete", "load "+string(id))
	}
	if !h.Available() {
		return errors.WrapTransient(errors.ErrNodeUnavailable, "entity", "Delete", "load "+string(id))
	}
	ref, ok := store.SchemaRefOf(h)
	if !ok {
		return &errors.SchemaIntegrityError{NodeID: string(id), SchemaRef: "",
			Cause: errors.ErrInvalidIdentity}
	}
	desc, err := e.registry.Descriptor(ctx, ref)
	if err != nil {
		return &errors.SchemaIntegrityError{NodeID: string(id), SchemaRef: string(ref), Cause: err}
	}

	coll, found, err := e.lookupCollection(ctx, desc.Name)
	if err != nil {
		return err
	}
	if !found {
		return &errors.MembershipError{NodeID: string(id), Collection: desc.Name}
	}

	for i, item := range coll.Items() {
		if s, ok := item.(string); ok && s == string(id) {
			if err := e.backend.RemoveAt(ctx, coll.ID(), i); err != nil {
				return errors.Wrap(err, "entity", "Delete", "remove "+string(id)+" from collection")
			}
			e.metrics.op("delete")
			return nil
		}
	}
	return &errors.MembershipError{NodeID: string(id), Collection: desc.Name}
}

// QueryOption adjusts a query.
type QueryOption func(*querySpec)

type querySpec struct {
	filter   string
	fullScan bool
}

// WithFilter adds an expression evaluated against each candidate's content;
// only entities for which it yields true are returned. Example:
// WithFilter(`text != "" && !done`).
func WithFilter(expression string) QueryOption {
	return func(q *querySpec) { q.filter = expression }
}

// WithFullScan enumerates every node in the store instead of walking the
// schema's collection. Needed when collection membership is suspect.
func WithFullScan() QueryOption {
	return func(q *querySpec) { q.fullScan = true }
}

// Query returns the entities of schemaName, filtered by schema
// back-reference equality. Still-loading nodes and nodes whose
// back-reference cannot be read are skipped; partially replicated data
// must narrow results, never fail them.
func (e *Engine) Query(ctx context.Context, schemaName string, opts ...QueryOption) ([]store.Handle, error) {
	var q querySpec
	for _, opt := range opts {
		if opt != nil {
			opt(&q)
		}
	}

	var program *vm.Program
	if q.filter != "" {
		p, err := e.compileFilter(q.filter)
		if err != nil {
			return nil, errors.WrapInvalid(err, "entity", "Query", "compile filter")
		}
		program = p
	}

	schemaRes, err := e.res.Resolve(ctx, resolver.Key(resolver.SchemaKey(schemaName)),
		resolver.Options{Return: resolver.ReturnID})
	if err != nil {
		return nil, err
	}
	if schemaRes.Absent() {
		e.logger.Debug("query for unregistered schema", "schema", schemaName)
		return nil, nil
	}
	schemaID := schemaRes.ID

	candidates, err := e.candidates(ctx, schemaName, q.fullScan)
	if err != nil {
		return nil, err
	}

	var out []store.Handle
	for _, h := range candidates {
		if h == nil || !h.Available() {
			continue
		}
		ref, ok := store.SchemaRefOf(h)
		if !ok || ref != schemaID {
			continue
		}
		if program != nil {
			match, err := e.runFilter(program, userContent(h))
			if err != nil {
				e.logger.Debug("filter failed on candidate, skipping",
					"node_id", string(h.ID()), "error", err)
				continue
			}
			if !match {
				continue
			}
		}
		out = append(out, h)
	}

	e.metrics.op("query")
	return out, nil
}

// candidates returns the nodes to consider: the schema's collection members
// when it exists, otherwise (or when forced) every node in the store.
func (e *Engine) candidates(ctx context.Context, schemaName string, fullScan bool) ([]store.Handle, error) {
	if !fullScan {
		coll, found, err := e.lookupCollection(ctx, schemaName)
		if err != nil {
			return nil, err
		}
		if found {
			items := coll.Items()
			handles := make([]store.Handle, 0, len(items))
			for _, item := range items {
				id, ok := item.(string)
				if !ok {
					continue
				}
				if h, ok := e.backend.GetNode(store.ID(id)); ok {
					handles = append(handles, h)
				}
			}
			return handles, nil
		}
	}
	return e.backend.EnumerateAll(), nil
}

// lookupCollection resolves the schema's entity collection node.
func (e *Engine) lookupCollection(ctx context.Context, schemaName string) (store.Handle, bool, error) {
	res, err := e.res.Resolve(ctx, resolver.Key(resolver.InstanceKey(schemaName)),
		resolver.Options{Return: resolver.ReturnValue})
	if err != nil {
		return nil, false, err
	}
	if res.Absent() {
		return nil, false, nil
	}
	return res.Value, true, nil
}

// ensureCollection finds or creates the colist that holds schemaName's
// entity ids, registered under the instance namespace. Creation races are
// settled the same way schema registration is: first registered id wins.
func (e *Engine) ensureCollection(ctx context.Context, schemaName string) (store.Handle, error) {
	if coll, found, err := e.lookupCollection(ctx, schemaName); err != nil {
		return nil, err
	} else if found {
		return coll, nil
	}

	rootRes, err := e.res.Resolve(ctx, resolver.Key(resolver.KeyAccount),
		resolver.Options{Return: resolver.ReturnValue})
	if err != nil {
		return nil, err
	}
	if rootRes.Absent() {
		return nil, errors.WrapTransient(errors.ErrNodeUnavailable,
			"entity", "ensureCollection", "load account root")
	}
	regID, ok := rootRes.Value.Content()["instances"].(string)
	if !ok || regID == "" {
		return nil, errors.WrapFatal(errors.ErrKeyNotFound,
			"entity", "ensureCollection", "account root has no instance registry")
	}

	coll, err := e.backend.CreateNode(ctx, rootRes.Value.GroupID(), store.CoList, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "entity", "ensureCollection", "create collection for "+schemaName)
	}

	winner := coll.ID()
	err = retry.Do(ctx, retry.Quick(), func() error {
		reg, ok := e.backend.GetNode(store.ID(regID))
		if !ok || !reg.Available() {
			return errors.ErrNodeUnavailable
		}
		if existing, ok := reg.Content()[schemaName].(string); ok && existing != "" && existing != string(coll.ID()) {
			winner = store.ID(existing)
			return nil
		}
		return e.backend.SetKey(ctx, store.ID(regID), schemaName, string(coll.ID()))
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "entity", "ensureCollection", "register collection")
	}

	h, ok := e.backend.GetNode(winner)
	if !ok {
		return nil, errors.WrapTransient(errors.ErrNodeNotFound,
			"entity", "ensureCollection", "load collection "+string(winner))
	}
	return h, nil
}

func (e *Engine) compileFilter(expression string) (*vm.Program, error) {
	e.filterMu.Lock()
	defer e.filterMu.Unlock()
	if p, ok := e.filters[expression]; ok {
		return p, nil
	}
	p, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.filters[expression] = p
	return p, nil
}

func (e *Engine) runFilter(program *vm.Program, env map[string]any) (bool, error) {
	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	match, ok := result.(bool)
	if !ok {
		return false, errors.ErrInvalidData
	}
	return match, nil
}

// userContent clones a handle's content without the bookkeeping fields.
func userContent(h store.Handle) map[string]any {
	content := h.Content()
	out := make(map[string]any, len(content))
	for k, v := range content {
		if k == store.FieldSchemaRef || k == store.FieldLabel {
			continue
		}
		out[k] = v
	}
	return out
}
