// Package store defines the data model of the replicated object store and
// the Backend interface NodeKit consumes to reach it.
//
// The replication and conflict-resolution engine itself is an external
// collaborator: NodeKit only depends on the read accessors, the typed write
// operations, and a subscribe primitive keyed by node id. Two Backend
// implementations ship with the module:
//
//   - memstore: a process-local in-memory backend used by tests and for
//     single-process development, with explicit control over progressive
//     availability.
//   - natskv: an adapter persisting nodes in a NATS JetStream KV bucket,
//     using KV watchers as the subscribe primitive.
//
// A missing node is reported as absence, never as an error. Callers must
// distinguish "not found" from "not yet loaded" themselves: a node handle
// can exist while its content is still syncing, in which case Available
// reports false and Content returns nil.
package store
