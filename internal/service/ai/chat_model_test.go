package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type capturedRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newFakeOpenAI(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL + "/v1"
}

func TestChatModelGenerate(t *testing.T) {
	var got capturedRequest
	baseURL := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Ncell is a telecom operator."},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":6,"total_tokens":18}}`)
	})

	zero := float32(0)
	m, err := NewChatModel(ChatModelConfig{APIKey: "sk-test", BaseURL: baseURL, Model: "gpt-4o-mini", Temperature: &zero})
	require.NoError(t, err)

	msg, err := m.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("be brief"),
		schema.UserMessage("What is Ncell?"),
	})
	require.NoError(t, err)

	assert.Equal(t, "Ncell is a telecom operator.", msg.Content)
	assert.Equal(t, schema.Assistant, msg.Role)
	require.NotNil(t, msg.ResponseMeta)
	require.NotNil(t, msg.ResponseMeta.Usage)
	assert.Equal(t, 18, msg.ResponseMeta.Usage.TotalTokens)
	assert.Equal(t, "stop", msg.ResponseMeta.FinishReason)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.InDelta(t, 0, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestChatModelGenerateModelOverride(t *testing.T) {
	var got capturedRequest
	baseURL := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	m, err := NewChatModel(ChatModelConfig{APIKey: "sk-test", BaseURL: baseURL, Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")}, model.WithModel("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Model)
}

func TestChatModelGenerateServerError(t *testing.T) {
	baseURL := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	m, err := NewChatModel(ChatModelConfig{APIKey: "sk-test", BaseURL: baseURL, Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	assert.Error(t, err)
}

func TestChatModelStream(t *testing.T) {
	baseURL := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"index":0,"delta":{"content":" there"},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	m, err := NewChatModel(ChatModelConfig{APIKey: "sk-test", BaseURL: baseURL, Model: "gpt-4o-mini"})
	require.NoError(t, err)

	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.NoError(t, err)
	defer sr.Close()

	var chunks []*schema.Message
	for {
		chunk, recvErr := sr.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		require.NoError(t, recvErr)
		chunks = append(chunks, chunk)
	}

	merged, err := schema.ConcatMessages(chunks)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", merged.Content)
	require.NotNil(t, merged.ResponseMeta)
	require.NotNil(t, merged.ResponseMeta.Usage)
	assert.Equal(t, 5, merged.ResponseMeta.Usage.TotalTokens)
}

func TestNewChatModelValidation(t *testing.T) {
	_, err := NewChatModel(ChatModelConfig{Model: "gpt-4o-mini"})
	assert.Error(t, err)

	_, err = NewChatModel(ChatModelConfig{APIKey: "sk-test"})
	assert.Error(t, err)
}

func TestEmbedStringsKeepsInputOrder(t *testing.T) {
	baseURL := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		// 乱序返回，验证按 index 重排
		fmt.Fprint(w, `{"object":"list","data":[{"object":"embedding","index":1,"embedding":[0,1]},{"object":"embedding","index":0,"embedding":[1,0]}],"model":"text-embedding-3-small"}`)
	})

	e, err := NewEmbedder(EmbedderConfig{APIKey: "sk-test", BaseURL: baseURL})
	require.NoError(t, err)

	vectors, err := e.EmbedStrings(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{1, 0}, vectors[0])
	assert.Equal(t, []float64{0, 1}, vectors[1])
}

func TestEmbedStringsCountMismatch(t *testing.T) {
	baseURL := newFakeOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"index":0,"embedding":[1]}]}`)
	})

	e, err := NewEmbedder(EmbedderConfig{APIKey: "sk-test", BaseURL: baseURL})
	require.NoError(t, err)

	_, err = e.EmbedStrings(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestVectorConversionRoundTrip(t *testing.T) {
	assert.Nil(t, Float32ToFloat64(nil))
	assert.Nil(t, Float64ToFloat32(nil))

	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOf(rapid.Float32Range(-1, 1)).Draw(t, "vector")
		out := Float64ToFloat32(Float32ToFloat64(in))
		if len(out) != len(in) {
			t.Fatalf("length changed: %d != %d", len(out), len(in))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Fatalf("index %d: %v != %v", i, out[i], in[i])
			}
		}
	})
}
