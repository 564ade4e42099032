package store

import (
	"context"
	"time"
)

// ID is an opaque, round-trip-stable identifier of a replicated node.
type ID string

// GroupID identifies the access-control group that owns a node.
// Every node belongs to exactly one group.
type GroupID string

// CoType enumerates the replicated data types a node can carry.
type CoType string

const (
	// CoMap is a mutable last-writer-wins map keyed by string.
	CoMap CoType = "comap"
	// CoList is an ordered list supporting positional insert/remove.
	CoList CoType = "colist"
	// CoStream is an append-only stream of values.
	CoStream CoType = "costream"
)

// Valid reports whether ct names a known cotype.
func (ct CoType) Valid() bool {
	return ct == CoMap || ct == CoList || ct == CoStream
}

// Well-known content fields stamped by the CRUD layer onto every entity
// node at creation. All schema-membership reads depend on both existing.
const (
	// FieldSchemaRef holds the node id of the entity's schema definition.
	FieldSchemaRef = "@schema"
	// FieldLabel is the display-label placeholder, empty until set.
	FieldLabel = "@label"
)

// HeaderMetaSchema is the header meta key carrying the authoritative
// schema-reference written once at node creation.
const HeaderMetaSchema = "schema"

// Header is the immutable creation metadata of a node.
type Header struct {
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Ruleset   string         `json:"ruleset"`
}

// Handle is a live reference to a replicated node. A handle can exist for a
// node whose content has not finished syncing; Available reports readiness.
// Handles are cheap snapshots: reads never block and never error.
type Handle interface {
	// ID returns the node's opaque identifier.
	ID() ID
	// CoType returns the node's replicated data type.
	CoType() CoType
	// GroupID returns the owning access-control group.
	GroupID() GroupID
	// Available reports whether the node's content has reached this replica.
	Available() bool
	// Header returns the node's creation metadata.
	Header() Header
	// Content returns a snapshot of a comap node's content, or nil for
	// other cotypes or a node that is still loading.
	Content() map[string]any
	// Items returns a snapshot of a colist/costream node's elements, or
	// nil for comap nodes or a node that is still loading.
	Items() []any
}

// UpdateFunc is invoked with a fresh handle whenever the node changes,
// including the transition from loading to available.
type UpdateFunc func(Handle)

// CancelFunc releases a low-level subscription. Safe to call more than once.
type CancelFunc func()

// Backend is the consumed interface of the external replicated store.
//
// Write operations against the same node apply in call order, a property of
// the underlying replica. There is no cross-node atomicity: a reader may
// observe a newly created node before it is appended to its collection.
// Implementations must be safe for concurrent use.
type Backend interface {
	// GetNode returns a handle for id, or (nil, false) if the replica has
	// never heard of the node. Absence is not an error.
	GetNode(id ID) (Handle, bool)

	// EnumerateAll returns handles for every node known to the replica,
	// including nodes that are still loading.
	EnumerateAll() []Handle

	// Subscribe registers fn for updates to id. The node does not have to
	// exist yet; fn fires once it appears. Exactly one low-level
	// subscription should be held per caller; deduplication across many
	// logical subscribers is the subcache package's job, not the backend's.
	Subscribe(id ID, fn UpdateFunc) (CancelFunc, error)

	// CreateNode creates a node of the given cotype owned by group. For
	// comap nodes, content seeds the initial entries; other cotypes start
	// empty. meta is stored in the immutable header.
	CreateNode(ctx context.Context, group GroupID, ct CoType, content map[string]any, meta map[string]any) (Handle, error)

	// SetKey writes one key of a comap node.
	SetKey(ctx context.Context, id ID, key string, value any) error

	// DeleteKey removes one key of a comap node.
	DeleteKey(ctx context.Context, id ID, key string) error

	// Append adds a value at the end of a colist or costream node.
	Append(ctx context.Context, id ID, value any) error

	// RemoveAt removes the element at index from a colist node.
	RemoveAt(ctx context.Context, id ID, index int) error

	// ClearContent empties a node's content. Nodes are never physically
	// deleted from the replica.
	ClearContent(ctx context.Context, id ID) error

	// Close releases backend resources.
	Close() error
}

// SchemaRefOf extracts the schema back-reference of a node, preferring the
// content-level field and falling back to the authoritative header meta
// entry. Returns ("", false) when neither is present or the node is still
// loading.
func SchemaRefOf(h Handle) (ID, bool) {
	if h == nil {
		return "", false
	}
	if content := h.Content(); content != nil {
		if ref, ok := content[FieldSchemaRef].(string); ok && ref != "" {
			return ID(ref), true
		}
	}
	if meta := h.Header().Meta; meta != nil {
		if ref, ok := meta[HeaderMetaSchema].(string); ok && ref != "" {
			return ID(ref), true
		}
	}
	return "", false
}
