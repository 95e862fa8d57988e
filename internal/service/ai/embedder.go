package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	openai "github.com/sashabaranov/go-openai"
)

var _ embedding.Embedder = (*Embedder)(nil)

// DefaultEmbeddingModel 默认向量化模型（1536 维）。
const DefaultEmbeddingModel = "text-embedding-3-small"

// EmbedderConfig OpenAI 兼容向量化接口的配置。
type EmbedderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Embedder implements eino's embedding.Embedder over the OpenAI embeddings endpoint.
type Embedder struct {
	client *openai.Client
	model  string
}

// NewEmbedder 创建向量化组件。Model 为空时使用 DefaultEmbeddingModel。
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai embedder: api key is required")
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultEmbeddingModel
	}
	return &Embedder{
		client: NewClient(cfg.APIKey, cfg.BaseURL),
		model:  modelName,
	}, nil
}

// EmbedStrings 返回与 texts 一一对应的向量。
func (e *Embedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	modelName := e.model
	options := embedding.GetCommonOptions(&embedding.Options{Model: &modelName}, opts...)

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(*options.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float64, len(data))
	for i, item := range data {
		vectors[i] = Float32ToFloat64(item.Embedding)
	}
	return vectors, nil
}

// Float32ToFloat64 widens an embedding vector. nil stays nil.
func Float32ToFloat64(in []float32) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// Float64ToFloat32 narrows an embedding vector for pgvector. nil stays nil.
func Float64ToFloat32(in []float64) []float32 {
	if in == nil {
		return nil
	}
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
