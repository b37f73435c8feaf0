// Package rag retrieves knowledge snippets for inbound questions and
// generates grounded replies through the completion service.
package rag

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dkrasnov/replybot/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// EmbeddingDimensions is the vector size of the embedding model.
const EmbeddingDimensions = 1536

// Embedder turns text into vectors in the corpus's embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// NewOpenAIClient builds a go-openai client from config. Returns nil when
// no API key is configured; callers degrade to lexical-only retrieval and
// fallback replies in that case.
func NewOpenAIClient(cfg config.OpenAIConfig) *openai.Client {
	if cfg.APIKey == "" {
		return nil
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.TimeoutSec > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}
	}
	return openai.NewClientWithConfig(clientCfg)
}

// embeddingClient is the slice of the go-openai client the embedder uses.
type embeddingClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder implements Embedder over the embeddings API.
type OpenAIEmbedder struct {
	client embeddingClient
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an OpenAIEmbedder.
func NewOpenAIEmbedder(client *openai.Client, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: openai.EmbeddingModel(model)}
}

// Embed returns the embedding for one text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns embeddings for several texts in one request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: EmbeddingDimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("rag: embeddings response has %d vectors for %d inputs",
			len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}
