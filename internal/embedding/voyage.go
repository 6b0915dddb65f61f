package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const voyageAPI = "https://api.voyageai.com/v1/embeddings"

// Voyage generates embeddings via Voyage AI
type Voyage struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewVoyage creates a Voyage embedder
func NewVoyage(apiKey, model, baseURL string, timeout time.Duration) (*Voyage, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage api key not set")
	}
	if model == "" {
		model = "voyage-3-lite"
	}
	if baseURL == "" {
		baseURL = voyageAPI
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Voyage{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Model returns the embedding model name
func (v *Voyage) Model() string { return v.model }

// EmbedBatch generates embeddings for multiple texts
func (v *Voyage) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return postEmbeddings(ctx, v.client, v.baseURL, v.apiKey, v.model, texts)
}
