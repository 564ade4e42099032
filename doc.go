// Package nodekit is a client-side, schema-aware data-access layer over a
// replicated object store of collaborative nodes.
//
// # Model
//
// The store presents each replica with a set of nodes: comaps (key/value),
// colists (ordered items) and costreams (append-only items). Nodes arrive
// progressively - a node can be known to the replica before its content has
// synced - so every layer here treats absence as a timing condition, never
// as proof of nonexistence.
//
// # Layers
//
//	┌──────────────────────────────────────┐
//	│  session:  one handle, one lifecycle │
//	└──────────────────────────────────────┘
//	     ↓ owns
//	┌──────────┐ ┌──────────┐ ┌───────────┐
//	│  entity  │ │ schemareg│ │ resolver  │   CRUD + query, schemas as
//	│          │ │          │ │           │   nodes, identifier → node
//	└────┬─────┘ └────┬─────┘ └─────┬─────┘
//	     │            │             │
//	     └────────────┼─────────────┘
//	                  ↓
//	┌──────────────────────────────────────┐
//	│  subcache: deduplicated node         │   one low-level subscription
//	│  subscriptions with grace-window     │   per node, panic-isolated
//	│  cleanup                             │   fan-out
//	└──────────────────────────────────────┘
//	                  ↓
//	┌──────────────────────────────────────┐
//	│  store: Backend contract + facade    │   memstore (in-process),
//	│                                      │   natskv (JetStream KV)
//	└──────────────────────────────────────┘
//
// # Packages
//
//   - store: node model, Backend contract, loading-tolerant read facade
//   - store/memstore: in-memory backend for tests and single-process use
//   - store/natskv: NATS JetStream KV backend with a watched local mirror
//   - subcache: subscription deduplication with grace-window cleanup
//   - resolver: universal identifier resolution (node ids, registry keys,
//     schema back-references), blocking and reactive forms
//   - schemareg: schemas stored as nodes, meta-schema bootstrap, runtime
//     shape descriptors, validation
//   - entity: schema-validated create/update/delete and back-reference
//     queries with optional filter expressions
//   - session: wires everything together with one lifecycle
//   - config: file + environment configuration
//   - errors: classified errors and the domain error taxonomy
//
// # Usage
//
//	backend := memstore.New()
//	sess, err := session.New(ctx, config.Default(), backend)
//	if err != nil { ... }
//	defer sess.Close()
//
//	sess.Registry().EnsureSchema(ctx, "Todo", todoDefinition)
//	todo, err := sess.Engine().Create(ctx, "Todo", map[string]any{"text": "Buy milk"})
//	open, err := sess.Engine().Query(ctx, "Todo", entity.WithFilter(`!done`))
//
// The nodekit-inspect binary (cmd/nodekit-inspect) lists schemas or dumps a
// node from a NATS-backed store.
package nodekit
