package schemareg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func todoDescriptor() *Descriptor {
	return &Descriptor{
		Name: "Todo",
		Fields: map[string]*Field{
			"text": {Kind: KindString},
			"done": {Kind: KindBoolean, AbsentOK: true},
			"tags": {Kind: KindCollection, AbsentOK: true, NullOK: true, Item: &Field{Kind: KindString}},
			"meta": {Kind: KindObject, AbsentOK: true},
			"list": {Kind: KindRef, AbsentOK: true, NullOK: true},
		},
		Required: []string{"text"},
	}
}

func TestValidateConformingData(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
	}{
		{"minimal", map[string]any{"text": "Buy milk"}},
		{"full", map[string]any{
			"text": "Buy milk",
			"done": false,
			"tags": []any{"errands", "home"},
			"meta": map[string]any{"anything": 1},
			"list": "co_somelist",
		}},
		{"unknown fields accepted", map[string]any{"text": "x", "extra": 42}},
		{"null optional ref", map[string]any{"text": "x", "list": nil}},
		{"null optional collection", map[string]any{"text": "x", "tags": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Validate(todoDescriptor(), tt.data))
		})
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	verr := Validate(todoDescriptor(), map[string]any{
		"done": "yes",          // wrong type
		"tags": []any{"ok", 3}, // bad item
		// "text" missing entirely
	})
	require.NotNil(t, verr)
	assert.Equal(t, "Todo", verr.Schema)

	byField := make(map[string]string, len(verr.Violations))
	for _, v := range verr.Violations {
		byField[v.Field] = v.Code
	}
	assert.Equal(t, "required", byField["text"])
	assert.Equal(t, "type", byField["done"])
	assert.Equal(t, "type", byField["tags[1]"])
	assert.Len(t, verr.Violations, 3, "all violations surface in one pass")
}

func TestValidateNullHandling(t *testing.T) {
	verr := Validate(todoDescriptor(), map[string]any{"text": "x", "done": nil})
	require.NotNil(t, verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "done", verr.Violations[0].Field)
	assert.Equal(t, "type", verr.Violations[0].Code)
}

func TestValidateRefShape(t *testing.T) {
	verr := Validate(todoDescriptor(), map[string]any{"text": "x", "list": 42})
	require.NotNil(t, verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "ref", verr.Violations[0].Code)
}

func TestValidateNumberAcceptsIntAndFloat(t *testing.T) {
	d := &Descriptor{
		Name:     "Reading",
		Fields:   map[string]*Field{"value": {Kind: KindNumber}},
		Required: []string{"value"},
	}
	assert.Nil(t, Validate(d, map[string]any{"value": 3}))
	assert.Nil(t, Validate(d, map[string]any{"value": 3.14}))
	assert.NotNil(t, Validate(d, map[string]any{"value": "3"}))
}
