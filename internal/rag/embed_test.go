package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/dkrasnov/replybot/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// stubEmbeddingClient scripts one embeddings response.
type stubEmbeddingClient struct {
	resp openai.EmbeddingResponse
	err  error
	last openai.EmbeddingRequest
}

func (s *stubEmbeddingClient) CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	if r, ok := req.(openai.EmbeddingRequest); ok {
		s.last = r
	}
	return s.resp, s.err
}

func TestNewOpenAIClient_NilWithoutKey(t *testing.T) {
	if c := NewOpenAIClient(config.OpenAIConfig{}); c != nil {
		t.Error("expected nil client without api key")
	}
	if c := NewOpenAIClient(config.OpenAIConfig{APIKey: "sk-test"}); c == nil {
		t.Error("expected client with api key")
	}
}

func TestEmbedBatch(t *testing.T) {
	stub := &stubEmbeddingClient{
		resp: openai.EmbeddingResponse{
			Data: []openai.Embedding{
				{Embedding: []float32{1, 2}},
				{Embedding: []float32{3, 4}},
			},
		},
	}
	e := &OpenAIEmbedder{client: stub, model: "text-embedding-3-small"}

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if len(vectors) != 2 || vectors[1][0] != 3 {
		t.Errorf("vectors = %v", vectors)
	}
	if stub.last.Dimensions != EmbeddingDimensions {
		t.Errorf("Dimensions = %d, want %d", stub.last.Dimensions, EmbeddingDimensions)
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	stub := &stubEmbeddingClient{
		resp: openai.EmbeddingResponse{Data: []openai.Embedding{{Embedding: []float32{1}}}},
	}
	e := &OpenAIEmbedder{client: stub, model: "m"}

	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error on vector count mismatch")
	}
}

func TestEmbed_SingleText(t *testing.T) {
	stub := &stubEmbeddingClient{
		resp: openai.EmbeddingResponse{Data: []openai.Embedding{{Embedding: []float32{7}}}},
	}
	e := &OpenAIEmbedder{client: stub, model: "m"}

	vec, err := e.Embed(context.Background(), "текст")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 1 || vec[0] != 7 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbed_PropagatesError(t *testing.T) {
	e := &OpenAIEmbedder{client: &stubEmbeddingClient{err: errors.New("down")}, model: "m"}
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}
