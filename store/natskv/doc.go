// Package natskv backs the node store with a NATS JetStream key-value
// bucket. Every node is one JSON-encoded KV entry; a bucket-wide watcher
// feeds a local mirror so reads are cheap snapshots and subscribers observe
// per-node updates in revision order. Writes go through compare-and-swap
// with retry, so concurrent writers converge instead of clobbering each
// other.
package natskv
