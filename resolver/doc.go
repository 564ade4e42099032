// Package resolver is the single entry point converting an identifier - a
// raw node id, a namespaced registry key, or "the schema used by node X" -
// into an id, a schema definition, or a live value.
//
// Resolution tolerates progressive availability at every step: nodes that
// exist remotely may not have synced yet, so every wait is bounded by a
// finite timeout and absence degrades to an absent Resolution instead of an
// error. Registry lookups walk a short fixed chain and never fall back to
// scanning.
//
// The blocking form is Resolve; ResolveReactive wraps the same
// transformation logic in a Store that settles exactly once. Both reuse the
// subscription cache for their waits, so concurrent resolutions of one
// identifier share a single low-level subscription.
package resolver
