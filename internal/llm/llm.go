// Package llm is the boundary to the external text-generation service.
// Each request is stateless: instructions plus a batch of records in, text out.
package llm

import (
	"context"
	"strings"
)

// Request is a single generation call
type Request struct {
	// System carries standing instructions such as the category taxonomy
	System string
	Prompt string
	// Model overrides the client's default model when set
	Model     string
	MaxTokens int
}

// Generator produces text for a request
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

// CleanJSON strips markdown code fences and surrounding prose from a model
// response so that it can be validated as JSON
func CleanJSON(resp string) string {
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "```") {
		resp = strings.TrimPrefix(resp, "```")
		resp = strings.TrimPrefix(resp, "json")
		if i := strings.LastIndex(resp, "```"); i >= 0 {
			resp = resp[:i]
		}
		return strings.TrimSpace(resp)
	}

	// Prose before the payload: cut to the first bracket
	if i := strings.IndexAny(resp, "{["); i > 0 {
		open := resp[i]
		closer := byte('}')
		if open == '[' {
			closer = ']'
		}
		if j := strings.LastIndexByte(resp, closer); j > i {
			resp = resp[i : j+1]
		}
	}
	return strings.TrimSpace(resp)
}
