package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/localagent/corvid/internal/models"
)

// LocalConfig configures the local, Ollama-compatible provider.
type LocalConfig struct {
	BaseURL       string
	Model         string
	ContextLength int
	Timeout       time.Duration
}

// LocalProvider talks to a local Ollama-compatible chat endpoint.
type LocalProvider struct {
	client        *http.Client
	baseURL       string
	model         string
	contextLength int
}

var _ LLMProvider = (*LocalProvider)(nil)

// NewLocalProvider constructs a local provider from cfg, applying the
// same defaults the teacher's Ollama adapter uses.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	contextLength := cfg.ContextLength
	if contextLength <= 0 {
		contextLength = 8192
	}
	return &LocalProvider{
		client:        &http.Client{Timeout: timeout},
		baseURL:       baseURL,
		model:         strings.TrimSpace(cfg.Model),
		contextLength: contextLength,
	}
}

// Name implements LLMProvider.
func (p *LocalProvider) Name() string { return "local" }

// ContextLength implements LLMProvider.
func (p *LocalProvider) ContextLength() int { return p.contextLength }

// Chat implements LLMProvider.
func (p *LocalProvider) Chat(ctx context.Context, req ChatRequest) (models.ChatResponse, error) {
	payload := ollamaChatRequest{
		Model:    p.model,
		Stream:   false,
		Messages: buildOllamaMessages(req.SystemPrompt, req.Messages),
	}
	if len(req.Tools) > 0 {
		payload.Tools = toOpenAITools(req.Tools)
	}
	if req.Options.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.Options.MaxTokens}
	}
	if req.Options.Temperature > 0 {
		if payload.Options == nil {
			payload.Options = map[string]any{}
		}
		payload.Options["temperature"] = req.Options.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.ChatResponse{}, NewProviderError("local", p.model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return models.ChatResponse{}, NewProviderError("local", p.model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.ChatResponse{}, NewProviderError("local", p.model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		cause := fmt.Errorf("local provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		if cse := detectContextSizeError("local", p.model, cause, p.contextLength); cse != nil {
			return models.ChatResponse{}, cse
		}
		return models.ChatResponse{}, NewProviderError("local", p.model, cause).WithStatus(resp.StatusCode)
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ChatResponse{}, NewProviderError("local", p.model, fmt.Errorf("decode response: %w", err))
	}

	var content string
	var toolCalls []models.ToolCall
	if out.Message != nil {
		content = out.Message.Content
		for i, tc := range out.Message.ToolCalls {
			id := strings.TrimSpace(tc.ID)
			if id == "" {
				id = fmt.Sprintf("local-call-%d", i+1)
			}
			args := map[string]any{}
			if len(tc.Function.Arguments) > 0 {
				_ = json.Unmarshal(tc.Function.Arguments, &args)
			}
			toolCalls = append(toolCalls, models.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
		}
	}
	if req.Options.OnToken != nil && content != "" {
		req.Options.OnToken(content)
	}

	return models.ChatResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: models.Usage{
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
		},
		Model: p.model,
	}, nil
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(systemPrompt string, messages []models.Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages)+1)
	toolNames := map[string]string{}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		switch m.Role {
		case models.RoleAssistant:
			om := ollamaChatMessage{Role: "assistant", Content: m.Text}
			if len(m.ToolCalls) > 0 {
				om.ToolCalls = make([]ollamaToolCall, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					argBytes, _ := json.Marshal(tc.Arguments)
					if len(argBytes) == 0 {
						argBytes = []byte(`{}`)
					}
					om.ToolCalls[i] = ollamaToolCall{ID: tc.ID, Type: "function", Function: ollamaToolFunction{Name: tc.Name, Arguments: argBytes}}
				}
			}
			out = append(out, om)
		case models.RoleTool:
			out = append(out, ollamaChatMessage{Role: "tool", Content: m.Text, ToolName: toolNames[m.ToolCallID]})
		default:
			out = append(out, ollamaChatMessage{Role: string(m.Role), Content: m.Text})
		}
	}
	return out
}

func toOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
