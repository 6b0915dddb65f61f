package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const openaiAPI = "https://api.openai.com/v1/embeddings"

// OpenAI generates embeddings via the OpenAI embeddings endpoint
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAI creates an OpenAI embedder
func NewOpenAI(apiKey, model, baseURL string, timeout time.Duration) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key not set")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if baseURL == "" {
		baseURL = openaiAPI
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Model returns the embedding model name
func (o *OpenAI) Model() string { return o.model }

// EmbedBatch generates embeddings for multiple texts
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return postEmbeddings(ctx, o.client, o.baseURL, o.apiKey, o.model, texts)
}
