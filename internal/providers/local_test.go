package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localagent/corvid/internal/models"
)

func TestLocalProviderChatReturnsContentAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)

		resp := ollamaChatResponse{
			Message:         &ollamaChatMessage{Role: "assistant", Content: "hello there"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       4,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewLocalProvider(LocalConfig{BaseURL: server.URL, Model: "test-model", ContextLength: 4096})

	var streamed string
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Text: "hi"}},
		Options:  ChatOptions{OnToken: func(s string) { streamed += s }},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 4, resp.Usage.OutputTokens)
	assert.Equal(t, "hello there", streamed)
}

func TestLocalProviderChatDetectsContextSizeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`context_length_exceeded: this model's maximum context length is 2048 tokens`))
	}))
	defer server.Close()

	p := NewLocalProvider(LocalConfig{BaseURL: server.URL, Model: "test-model", ContextLength: 8192})

	_, err := p.Chat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Text: "hi"}},
	})
	require.Error(t, err)
	cse, ok := IsContextSizeError(err)
	require.True(t, ok)
	assert.Equal(t, 2048, cse.ReportedWindow)
}

func TestLocalProviderChatParsesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ollamaChatResponse{
			Message: &ollamaChatMessage{
				Role: "assistant",
				ToolCalls: []ollamaToolCall{
					{ID: "t1", Function: ollamaToolFunction{Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)}},
				},
			},
			Done: true,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewLocalProvider(LocalConfig{BaseURL: server.URL, Model: "test-model"})
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Text: "search for go"}},
		Tools:    []models.ToolDefinition{{Name: "search", Description: "search the web"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, "go", resp.ToolCalls[0].Arguments["q"])
}
