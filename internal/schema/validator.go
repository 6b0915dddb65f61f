// Package schema validates model responses against JSON schemas before they
// are decoded into domain types.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Validator checks JSON documents against schemas, caching compiled schemas
type Validator struct {
	cache sync.Map // map[string]*gojsonschema.Schema
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks doc against schemaData, which may be a map, a struct or raw JSON
func (v *Validator) Validate(schemaData any, doc string) error {
	compiled, err := v.compile(schemaData)
	if err != nil {
		return fmt.Errorf("invalid schema definition: %w", err)
	}

	result, err := compiled.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		// gojsonschema reports undecodable documents here
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return fmt.Errorf("schema validation failed: %s", summarize(errs))
}

func (v *Validator) compile(schemaData any) (*gojsonschema.Schema, error) {
	var raw []byte
	switch s := schemaData.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		b, err := json.Marshal(schemaData)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	key := string(raw)

	if cached, ok := v.cache.Load(key); ok {
		return cached.(*gojsonschema.Schema), nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}

// summarize keeps the first three errors to avoid massive output
func summarize(errs []string) string {
	if len(errs) <= 3 {
		return strings.Join(errs, "; ")
	}
	return strings.Join(errs[:3], "; ") + fmt.Sprintf("; ... and %d more", len(errs)-3)
}
