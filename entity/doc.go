// Package entity is the schema-aware CRUD layer over the node store.
//
// Every entity node carries a back-reference to its schema definition node
// and an empty display-label placeholder. Creation validates the caller's
// data against the schema's descriptor before any node exists; updates
// validate against the descriptor named by the node's own back-reference,
// never against the caller's claim. Queries filter by back-reference
// equality and tolerate partially replicated data: a node that has not
// finished loading is skipped, not failed.
package entity
