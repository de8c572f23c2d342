package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/localagent/corvid/internal/models"
	"github.com/localagent/corvid/internal/providers"
)

const extractionSystemPrompt = `Extract durable facts, preferences, decisions, project notes, entities, ` +
	`and lessons from the conversation below. Respond with a JSON array only, each item shaped ` +
	`{"key": "snake_case_identifier", "value": "...", "category": "fact|preference|decision|project|entity|lesson"}. ` +
	`Omit anything not worth remembering long-term. Respond with no prose outside the array.`

var keySanitizePattern = regexp.MustCompile(`[^a-z0-9_]+`)

const maxKeyLength = 100

// ExtractMemories condenses transcript and asks provider for a JSON array
// of candidate memories, tolerating fenced-code output, sanitizing keys to
// ^[a-z0-9_]+$ (collapsing runs of disallowed characters to a single
// underscore, trimmed to 100 chars), and capping the result to
// maxExtractions.
func ExtractMemories(ctx context.Context, provider providers.LLMProvider, transcript string, maxExtractions int) ([]ExtractedMemory, error) {
	if maxExtractions <= 0 {
		maxExtractions = 10
	}

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		SystemPrompt: extractionSystemPrompt,
		Messages: []models.Message{
			{Role: models.RoleUser, Text: transcript},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("memstore: extract_memories: %w", err)
	}

	var raw []struct {
		Key      string `json:"key"`
		Value    string `json:"value"`
		Category string `json:"category"`
	}
	body := stripFence(resp.Content)
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("memstore: extract_memories: parse: %w", err)
	}

	out := make([]ExtractedMemory, 0, len(raw))
	for _, item := range raw {
		key := sanitizeKey(item.Key)
		if key == "" || item.Value == "" {
			continue
		}
		out = append(out, ExtractedMemory{Key: key, Value: item.Value, Category: Category(item.Category)})
		if len(out) >= maxExtractions {
			break
		}
	}
	return out, nil
}

func sanitizeKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = keySanitizePattern.ReplaceAllString(key, "_")
	key = strings.Trim(key, "_")
	if len(key) > maxKeyLength {
		key = key[:maxKeyLength]
	}
	return key
}

// stripFence removes a surrounding ```json ... ``` or ``` ... ``` fence, if
// present, leaving the raw body untouched otherwise.
func stripFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		if firstLine == "" || strings.EqualFold(firstLine, "json") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

const maxSummarizationInputChars = 50000
const maxSummarizationOutputTokens = 500

// SummarizeDropped produces a compact summary of messages dropped by the
// context fitter, for injection as a note about trimmed history. On LLM
// failure, it falls back to a bullet list of user messages and unique tool
// names actually invoked.
func SummarizeDropped(ctx context.Context, provider providers.LLMProvider, dropped []models.Message) (string, error) {
	if len(dropped) == 0 {
		return "", nil
	}

	transcript := buildSummarizationTranscript(dropped)
	if len(transcript) > maxSummarizationInputChars {
		transcript = transcript[:maxSummarizationInputChars]
	}

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		SystemPrompt: fmt.Sprintf("Summarize the conversation excerpt below in at most %d tokens. Be concise; keep only decisions, facts, and unresolved threads.", maxSummarizationOutputTokens),
		Messages: []models.Message{
			{Role: models.RoleUser, Text: transcript},
		},
	})
	if err != nil {
		return fallbackSummary(dropped), nil
	}
	return resp.Content, nil
}

func buildSummarizationTranscript(messages []models.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(fmt.Sprintf("[%s] %s\n", m.Role, m.Text))
		for _, tc := range m.ToolCalls {
			sb.WriteString(fmt.Sprintf("  (called tool: %s)\n", tc.Name))
		}
	}
	return sb.String()
}

func fallbackSummary(messages []models.Message) string {
	var userLines []string
	seenTools := make(map[string]bool)
	var toolNames []string

	for _, m := range messages {
		if m.Role == models.RoleUser && m.Text != "" {
			userLines = append(userLines, "- "+m.Text)
		}
		for _, tc := range m.ToolCalls {
			if !seenTools[tc.Name] {
				seenTools[tc.Name] = true
				toolNames = append(toolNames, tc.Name)
			}
		}
	}

	var sb strings.Builder
	sb.WriteString("Earlier conversation (summary unavailable):\n")
	for _, line := range userLines {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if len(toolNames) > 0 {
		sb.WriteString("Tools used: ")
		sb.WriteString(strings.Join(toolNames, ", "))
		sb.WriteString("\n")
	}
	return sb.String()
}
