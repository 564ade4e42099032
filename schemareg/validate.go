package schemareg

import (
	"fmt"

	"github.com/c360/nodekit/errors"
	"github.com/c360/nodekit/store"
)

// Validate checks data against a descriptor and reports every violation at
// once rather than failing on the first, so a caller can surface the full
// set of problems per field. Unknown fields are accepted: replicated data
// written by newer schema revisions must not fail older readers. A nil
// return means the data conforms.
func Validate(desc *Descriptor, data map[string]any) *errors.ValidationError {
	if desc == nil {
		return nil
	}
	var violations []errors.FieldViolation

	for _, name := range desc.Required {
		if _, ok := data[name]; !ok {
			violations = append(violations, errors.FieldViolation{
				Field:   name,
				Message: "required field is missing",
				Code:    "required",
			})
		}
	}

	for name, field := range desc.Fields {
		v, ok := data[name]
		if !ok {
			// Absence of non-required fields is covered above.
			continue
		}
		if v == nil {
			if !field.NullOK {
				violations = append(violations, errors.FieldViolation{
					Field:   name,
					Message: "field must not be null",
					Code:    "type",
				})
			}
			continue
		}
		violations = append(violations, checkValue(name, field, v)...)
	}

	if len(violations) == 0 {
		return nil
	}
	return &errors.ValidationError{Schema: desc.Name, Violations: violations}
}

func checkValue(path string, field *Field, v any) []errors.FieldViolation {
	switch field.Kind {
	case KindString:
		if _, ok := v.(string); !ok {
			return typeViolation(path, "string", v)
		}
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
		default:
			return typeViolation(path, "number", v)
		}
	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return typeViolation(path, "boolean", v)
		}
	case KindObject:
		if _, ok := v.(map[string]any); !ok {
			return typeViolation(path, "object", v)
		}
	case KindRef:
		id, ok := v.(string)
		if !ok || id == "" {
			return []errors.FieldViolation{{
				Field:   path,
				Message: "expected a node id reference",
				Code:    "ref",
			}}
		}
	case KindCollection:
		items, ok := v.([]any)
		if !ok {
			return typeViolation(path, "collection", v)
		}
		var out []errors.FieldViolation
		if field.Item != nil {
			for i, item := range items {
				itemPath := fmt.Sprintf("%s[%d]", path, i)
				if item == nil {
					if !field.Item.NullOK {
						out = append(out, errors.FieldViolation{
							Field:   itemPath,
							Message: "collection item must not be null",
							Code:    "item",
						})
					}
					continue
				}
				out = append(out, checkValue(itemPath, field.Item, item)...)
			}
		}
		return out
	}
	return nil
}

func typeViolation(path, want string, got any) []errors.FieldViolation {
	return []errors.FieldViolation{{
		Field:   path,
		Message: fmt.Sprintf("expected %s, got %T", want, got),
		Code:    "type",
	}}
}

// ValidateNode validates a node handle's user content, ignoring the
// bookkeeping fields stamped on every node.
func ValidateNode(desc *Descriptor, h store.Handle) *errors.ValidationError {
	if h == nil {
		return nil
	}
	content := h.Content()
	data := make(map[string]any, len(content))
	for k, v := range content {
		if k == store.FieldSchemaRef || k == store.FieldLabel {
			continue
		}
		data[k] = v
	}
	return Validate(desc, data)
}
