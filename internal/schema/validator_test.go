package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var tagSchema = map[string]any{
	"type": "object",
	"additionalProperties": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
}

func TestValidate_Valid(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(tagSchema, `{"a": ["cooking"], "b": []}`))
}

func TestValidate_WrongShape(t *testing.T) {
	v := NewValidator()
	err := v.Validate(tagSchema, `{"a": "cooking"}`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestValidate_NotJSON(t *testing.T) {
	v := NewValidator()
	err := v.Validate(tagSchema, `Sure! Here are the tags`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestValidate_RawStringSchema(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(`{"type": "array"}`, `[1, 2]`))
	assert.Error(t, v.Validate(`{"type": "array"}`, `{}`))
}

func TestValidate_TruncatesErrors(t *testing.T) {
	v := NewValidator()
	s := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	err := v.Validate(s, `[1, 2, 3, 4, 5]`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "and 2 more")
}
