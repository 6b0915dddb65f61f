package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini generates through the Google Generative AI SDK
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates a client; Close releases it. Each Generate call is
// bounded by timeout, 120s when unset.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not set")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Name identifies the provider in logs
func (g *Gemini) Name() string { return "gemini" }

// Close releases the underlying client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// Generate asks the model for a JSON reply
func (g *Gemini) Generate(ctx context.Context, r Request) (string, error) {
	name := r.Model
	if name == "" {
		name = g.model
	}

	model := g.client.GenerativeModel(name)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0)
	if r.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(r.MaxTokens))
	}
	if r.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(r.System)}}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := model.GenerateContent(ctx, genai.Text(r.Prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}
