package schemareg

import (
	"sort"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/store"
)

// Property type names accepted in schema definitions. Unrecognized names
// convert conservatively to the string type.
const (
	TypeString     = "string"
	TypeNumber     = "number"
	TypeBoolean    = "boolean"
	TypeObject     = "object"     // free-form map, not validated field by field
	TypeRef        = "ref"        // reference to another schema's entity, holds a node id
	TypeCollection = "collection" // a collection of Items
)

// Property describes one field of a schema definition.
type Property struct {
	Type     string    `json:"type"`
	Ref      string    `json:"ref,omitempty"`   // referenced schema name for TypeRef
	Items    *Property `json:"items,omitempty"` // element shape for TypeCollection
	Optional bool      `json:"optional,omitempty"`
}

// Definition is the declarative shape of a schema, persisted as the content
// of a schema definition node.
type Definition struct {
	Name       string              `json:"name"`
	CoType     store.CoType        `json:"cotype"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Validate performs structural checks on the definition itself.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "schemareg", "Validate", "schema name required")
	}
	if !d.CoType.Valid() {
		return errors.WrapInvalid(errors.ErrWrongCoType, "schemareg", "Validate", "cotype of schema "+d.Name)
	}
	for _, req := range d.Required {
		if _, ok := d.Properties[req]; !ok {
			return errors.WrapInvalid(errors.ErrInvalidData, "schemareg", "Validate",
				"required field "+req+" not declared in schema "+d.Name)
		}
	}
	for name, p := range d.Properties {
		if p.Type == TypeRef && p.Ref == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "schemareg", "Validate",
				"ref field "+name+" of schema "+d.Name+" names no schema")
		}
	}
	return nil
}

// contentMap renders the definition as node content. Only plain JSON value
// shapes are used so the encoding survives any backend.
func (d Definition) contentMap() map[string]any {
	props := make(map[string]any, len(d.Properties))
	for name, p := range d.Properties {
		props[name] = p.contentMap()
	}
	required := make([]any, 0, len(d.Required))
	for _, r := range d.Required {
		required = append(required, r)
	}
	return map[string]any{
		"name":       d.Name,
		"cotype":     string(d.CoType),
		"properties": props,
		"required":   required,
	}
}

func (p Property) contentMap() map[string]any {
	m := map[string]any{"type": p.Type}
	if p.Ref != "" {
		m["ref"] = p.Ref
	}
	if p.Items != nil {
		m["items"] = p.Items.contentMap()
	}
	if p.Optional {
		m["optional"] = true
	}
	return m
}

// parseDefinition rebuilds a Definition from node content. Tolerant of
// missing sections: a definition without properties is an empty shape.
func parseDefinition(content map[string]any) Definition {
	def := Definition{Properties: make(map[string]Property)}
	if name, ok := content["name"].(string); ok {
		def.Name = name
	}
	if ct, ok := content["cotype"].(string); ok {
		def.CoType = store.CoType(ct)
	}
	if props, ok := content["properties"].(map[string]any); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if pm, ok := props[name].(map[string]any); ok {
				def.Properties[name] = parseProperty(pm)
			}
		}
	}
	if required, ok := content["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				def.Required = append(def.Required, name)
			}
		}
	}
	return def
}

func parseProperty(m map[string]any) Property {
	p := Property{}
	if t, ok := m["type"].(string); ok {
		p.Type = t
	}
	if ref, ok := m["ref"].(string); ok {
		p.Ref = ref
	}
	if items, ok := m["items"].(map[string]any); ok {
		item := parseProperty(items)
		p.Items = &item
	}
	if opt, ok := m["optional"].(bool); ok {
		p.Optional = opt
	}
	return p
}

// SchemaInfo is one entry of a schema registry enumeration.
type SchemaInfo struct {
	Name       string
	ID         store.ID
	Definition Definition
}
