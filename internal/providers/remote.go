package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/localagent/corvid/internal/models"
)

// RemoteConfig configures the Anthropic-backed remote provider.
type RemoteConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	ContextLength int
	MaxTokens     int64
}

// RemoteProvider implements LLMProvider against the Anthropic Messages API.
type RemoteProvider struct {
	client        anthropic.Client
	model         string
	contextLength int
	maxTokens     int64
}

var _ LLMProvider = (*RemoteProvider)(nil)

// NewRemoteProvider constructs a remote provider. Returns an error if no
// API key is configured, mirroring the teacher's Anthropic adapter.
func NewRemoteProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("remote provider: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	contextLength := cfg.ContextLength
	if contextLength <= 0 {
		contextLength = 200000
	}

	return &RemoteProvider{
		client:        anthropic.NewClient(opts...),
		model:         model,
		contextLength: contextLength,
		maxTokens:     maxTokens,
	}, nil
}

// Name implements LLMProvider.
func (p *RemoteProvider) Name() string { return "remote" }

// ContextLength implements LLMProvider.
func (p *RemoteProvider) ContextLength() int { return p.contextLength }

// Chat implements LLMProvider.
func (p *RemoteProvider) Chat(ctx context.Context, req ChatRequest) (models.ChatResponse, error) {
	system, converted, err := adaptAnthropicMessages(req.Messages)
	if err != nil {
		return models.ChatResponse{}, NewProviderError(p.Name(), p.model, err)
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		system = append([]anthropic.TextBlockParam{{Text: req.SystemPrompt}}, system...)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  converted,
		System:    system,
		MaxTokens: p.maxTokens,
	}
	if req.Options.MaxTokens > 0 {
		params.MaxTokens = int64(req.Options.MaxTokens)
	}
	if len(req.Tools) > 0 {
		tools, err := adaptAnthropicTools(req.Tools)
		if err != nil {
			return models.ChatResponse{}, NewProviderError(p.Name(), p.model, err)
		}
		params.Tools = tools
	}
	if req.Options.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Options.Temperature)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if cse := detectContextSizeError(p.Name(), p.model, err, p.contextLength); cse != nil {
			return models.ChatResponse{}, cse
		}
		return models.ChatResponse{}, NewProviderError(p.Name(), p.model, err)
	}

	content, toolCalls := messageFromAnthropicResponse(resp)
	if req.Options.OnToken != nil && content != "" {
		req.Options.OnToken(content)
	}

	return models.ChatResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: models.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		Model: p.model,
	}, nil
}

func adaptAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("remote provider: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			if list, ok := req.([]string); ok {
				schema.Required = list
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}

		param := anthropic.ToolParam{Name: t.Name, InputSchema: schema}
		if t.Description != "" {
			param.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func adaptAnthropicMessages(messages []models.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			if m.Text != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Text})
			}
		case models.RoleUser:
			if m.Text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
			}
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, tc.Arguments, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Text, false)))
		default:
			return nil, nil, fmt.Errorf("unsupported role for remote provider: %s", m.Role)
		}
	}
	return system, out, nil
}

func messageFromAnthropicResponse(resp *anthropic.Message) (string, []models.ToolCall) {
	if resp == nil {
		return "", nil
	}
	var sb strings.Builder
	var calls []models.ToolCall
	idx := 0

	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			idx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", idx)
			}
			args := map[string]any{}
			if len(v.Input) > 0 {
				_ = json.Unmarshal(v.Input, &args)
			}
			calls = append(calls, models.ToolCall{ID: id, Name: v.Name, Arguments: args})
		}
	}
	return sb.String(), calls
}
