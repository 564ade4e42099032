package schemareg

import "github.com/c360/nodekit/store"

// Kind tags the variants of the runtime shape descriptor tree. Validation
// dispatches over this tag, never over ad hoc type sniffing.
type Kind int

const (
	// KindString accepts string values (and is the conservative default
	// for unrecognized property types).
	KindString Kind = iota
	// KindNumber accepts integer and floating point values.
	KindNumber
	// KindBoolean accepts bool values.
	KindBoolean
	// KindObject accepts a free-form map without per-field validation.
	KindObject
	// KindRef accepts a node id referencing an entity of another schema.
	KindRef
	// KindCollection accepts a list whose elements match the item field.
	KindCollection
)

// String returns the kind label used in violation messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindObject:
		return "object"
	case KindRef:
		return "ref"
	case KindCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// Descriptor is the cached runtime shape of one schema. Reference fields of
// other descriptors point at this struct directly, which is what makes
// cyclic schema graphs convert without infinite inlining: the cache entry is
// created before its fields are converted.
type Descriptor struct {
	Name     string
	SchemaID string
	CoType   store.CoType
	Fields   map[string]*Field
	Required []string
}

// Field is one validated field of a descriptor.
type Field struct {
	Kind Kind

	// Optionality is a wrapper applied after base conversion. The store's
	// null handling differs between reference-typed and primitive-typed
	// fields: a primitive optional field may only be absent, while an
	// optional reference may additionally hold an explicit null because the
	// store cannot distinguish a cleared reference from an absent one.
	AbsentOK bool
	NullOK   bool

	// Ref links to the referenced schema's own cached descriptor
	// (KindRef). Never inlined, so recursive schemas terminate.
	Ref *Descriptor

	// Item describes collection elements (KindCollection).
	Item *Field
}

// kindOf maps a declared property type to a descriptor kind. Unrecognized
// types default conservatively to string.
func kindOf(propType string) Kind {
	switch propType {
	case TypeString:
		return KindString
	case TypeNumber:
		return KindNumber
	case TypeBoolean:
		return KindBoolean
	case TypeObject:
		return KindObject
	case TypeRef:
		return KindRef
	case TypeCollection:
		return KindCollection
	default:
		return KindString
	}
}

// applyOptional wraps a converted field with optionality.
func applyOptional(f *Field) {
	f.AbsentOK = true
	if f.Kind == KindRef || f.Kind == KindCollection {
		f.NullOK = true
	}
}
