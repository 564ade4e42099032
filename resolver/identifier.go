package resolver

import (
	"strings"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/store"
)

// Reserved registry-key namespaces. Keys outside these prefixes are not
// registry keys; the exception keys address foundational structures that by
// construction carry no schema back-reference.
const (
	// SchemaNamespace prefixes schema definition lookups, e.g. "@schema/Todo".
	// This namespace is on-demand: misses are expected while a schema is
	// being ensured and are never logged as errors.
	SchemaNamespace = "@schema/"
	// InstanceNamespace prefixes instance collection lookups,
	// e.g. "@instance/todos".
	InstanceNamespace = "@instance/"
	// KeyAccount resolves to the account's own root node.
	KeyAccount = "@account"
	// KeyGroup resolves to the account's permission group node.
	KeyGroup = "@group"
)

// Root-registry entry keys for the fixed lookup chain:
// account root -> namespace registry -> leaf entry.
const (
	rootEntrySchemas   = "schemas"
	rootEntryInstances = "instances"
)

// identKind discriminates the identifier variants.
type identKind int

const (
	kindNodeID identKind = iota
	kindKey
	kindDerived
)

// Identifier addresses a node directly by id, by human-readable registry
// key, or as "the schema used by another node". Construct values with
// NodeID, Key, or DerivedFrom; Parse classifies a raw string.
type Identifier struct {
	kind identKind
	id   store.ID // kindNodeID: the node; kindDerived: the source node
	key  string   // kindKey
}

// NodeID addresses a node directly by its opaque id.
func NodeID(id store.ID) Identifier {
	return Identifier{kind: kindNodeID, id: id}
}

// Key addresses a node by a namespaced registry key.
func Key(key string) Identifier {
	return Identifier{kind: kindKey, key: key}
}

// DerivedFrom addresses the schema used by another node: resolution loads
// the source node and follows its schema back-reference.
func DerivedFrom(source store.ID) Identifier {
	return Identifier{kind: kindDerived, id: source}
}

// Parse classifies a raw identifier string: values starting with "@" are
// registry keys, everything else is treated as a node id.
func Parse(s string) Identifier {
	if strings.HasPrefix(s, "@") {
		return Key(s)
	}
	return NodeID(store.ID(s))
}

// String renders the identifier for logging.
func (i Identifier) String() string {
	switch i.kind {
	case kindKey:
		return i.key
	case kindDerived:
		return "derivedFrom(" + string(i.id) + ")"
	default:
		return string(i.id)
	}
}

// normalizeKey maps a registry key to its namespace and leaf name.
// Exception keys return their own key as namespace with an empty name.
func normalizeKey(key string) (namespace, name string, err error) {
	switch {
	case key == KeyAccount || key == KeyGroup:
		return key, "", nil
	case strings.HasPrefix(key, SchemaNamespace):
		name = strings.TrimPrefix(key, SchemaNamespace)
	case strings.HasPrefix(key, InstanceNamespace):
		name = strings.TrimPrefix(key, InstanceNamespace)
	default:
		return "", "", errors.WrapInvalid(errors.ErrInvalidIdentity,
			"resolver", "normalizeKey", "unknown namespace in key "+key)
	}
	if name == "" {
		return "", "", errors.WrapInvalid(errors.ErrInvalidIdentity,
			"resolver", "normalizeKey", "empty name in key "+key)
	}
	if strings.HasPrefix(key, SchemaNamespace) {
		return SchemaNamespace, name, nil
	}
	return InstanceNamespace, name, nil
}

// SchemaKey returns the normalized registry key for a schema name.
func SchemaKey(name string) string { return SchemaNamespace + name }

// InstanceKey returns the normalized registry key for an instance name.
func InstanceKey(name string) string { return InstanceNamespace + name }
