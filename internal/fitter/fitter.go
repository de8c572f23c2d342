// Package fitter trims an ordered message history to fit inside a hard
// token budget, grouping tool-call/tool-result messages atomically and
// dropping from the oldest while preserving the most recent content.
package fitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/localagent/corvid/internal/models"
	"github.com/localagent/corvid/internal/tokenize"
)

const (
	messageFrameOverhead = 7
	toolCallOverhead     = 15
	toolCallIDOverhead   = 5
	visionPartTokens     = 1000
	toolDefWrapOverhead  = 20

	truncatedResultSuffix = "\n\n[Tool result truncated to fit context window.]"
)

// Config controls fitting behavior. Zero-value fields are filled with
// defaults by Fit.
type Config struct {
	ContextLength       int
	ReserveForOutput    int
	MaxToolResultTokens int
}

// DefaultConfig returns sensible fitting defaults, applied whenever a
// caller leaves ReserveForOutput/MaxToolResultTokens unset.
func DefaultConfig(contextLength int) Config {
	return Config{
		ContextLength:       contextLength,
		ReserveForOutput:    2048,
		MaxToolResultTokens: 8000,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.ReserveForOutput <= 0 {
		cfg.ReserveForOutput = 2048
	}
	if cfg.MaxToolResultTokens <= 0 {
		cfg.MaxToolResultTokens = 8000
	}
	return cfg
}

type messageGroup struct {
	messages []models.Message
}

// Fit returns a new ordered message sequence, without the system prompt,
// that fits the token budget implied by cfg. Callers re-prepend the
// system prompt themselves.
func Fit(ctx context.Context, systemPrompt string, messages []models.Message, tools []models.ToolDefinition, cfg Config, counter tokenize.Counter, logger *slog.Logger) ([]models.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)
	if counter == nil {
		counter = tokenize.NewCharRatioEstimator()
	}

	systemTokens, err := counter.CountTokens(ctx, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("count system prompt tokens: %w", err)
	}

	toolsTokens, err := toolDefinitionTokens(ctx, tools, counter)
	if err != nil {
		return nil, fmt.Errorf("count tool definition tokens: %w", err)
	}

	fixed := systemTokens + toolsTokens + cfg.ReserveForOutput
	budget := cfg.ContextLength - fixed

	if budget <= 0 {
		logger.Warn("fitter budget is non-positive after fixed costs",
			"context_length", cfg.ContextLength,
			"fixed_cost", fixed,
		)
		return forceLastUserOrLast(messages), nil
	}

	truncated, err := truncateOversizedToolResults(ctx, messages, cfg.MaxToolResultTokens, counter)
	if err != nil {
		return nil, err
	}

	groups := groupMessages(truncated)

	costs := make([]int, len(groups))
	for i, g := range groups {
		c, err := groupCost(ctx, g, counter)
		if err != nil {
			return nil, err
		}
		costs[i] = c
	}

	// Walk newest-to-oldest, stopping at the first group that doesn't fit.
	includedFromIdx := len(groups) // groups[includedFromIdx:] are included
	cumulative := 0
	for i := len(groups) - 1; i >= 0; i-- {
		if cumulative+costs[i] > budget {
			break
		}
		cumulative += costs[i]
		includedFromIdx = i
	}

	included := flatten(groups[includedFromIdx:])

	if len(included) == 0 {
		return forceLastUserOrLast(truncated), nil
	}

	excludedCount := countMessages(groups[:includedFromIdx])
	if excludedCount == 0 {
		return included, nil
	}

	// Reserve room for the truncation notice; if it doesn't fit, drop
	// oldest included groups until it does (recomputing N each time since
	// the notice text length depends on it).
	for {
		notice := truncationNotice(excludedCount)
		noticeTokens, err := messageCost(ctx, notice, counter)
		if err != nil {
			return nil, err
		}
		if cumulative+noticeTokens <= budget || includedFromIdx >= len(groups)-1 {
			return append([]models.Message{notice}, included...), nil
		}
		cumulative -= costs[includedFromIdx]
		excludedCount += len(groups[includedFromIdx].messages)
		includedFromIdx++
		included = flatten(groups[includedFromIdx:])
		if len(included) == 0 {
			return forceLastUserOrLast(truncated), nil
		}
	}
}

func truncationNotice(excludedCount int) models.Message {
	return models.Message{
		Role: models.RoleSystem,
		Text: fmt.Sprintf("[Earlier conversation (%d messages) was trimmed to fit context window.]", excludedCount),
	}
}

func forceLastUserOrLast(messages []models.Message) []models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return []models.Message{messages[i]}
		}
	}
	if len(messages) == 0 {
		return nil
	}
	return []models.Message{messages[len(messages)-1]}
}

func countMessages(groups []messageGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.messages)
	}
	return n
}

func flatten(groups []messageGroup) []models.Message {
	var out []models.Message
	for _, g := range groups {
		out = append(out, g.messages...)
	}
	return out
}

// groupMessages bundles each assistant-with-tool-calls message with every
// immediately following tool-role message into one atomic group; every
// other message is its own group.
func groupMessages(messages []models.Message) []messageGroup {
	var groups []messageGroup
	i := 0
	for i < len(messages) {
		msg := messages[i]
		if msg.HasToolCalls() {
			group := []models.Message{msg}
			j := i + 1
			for j < len(messages) && messages[j].Role == models.RoleTool {
				group = append(group, messages[j])
				j++
			}
			groups = append(groups, messageGroup{messages: group})
			i = j
			continue
		}
		groups = append(groups, messageGroup{messages: []models.Message{msg}})
		i++
	}
	return groups
}

func groupCost(ctx context.Context, g messageGroup, counter tokenize.Counter) (int, error) {
	total := 0
	for _, m := range g.messages {
		c, err := messageCost(ctx, m, counter)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

func messageCost(ctx context.Context, m models.Message, counter tokenize.Counter) (int, error) {
	cost := messageFrameOverhead

	if m.Text != "" {
		n, err := counter.CountTokens(ctx, m.Text)
		if err != nil {
			return 0, err
		}
		cost += n
	}
	for _, p := range m.Parts {
		switch p.Type {
		case models.PartTypeImageURL:
			cost += visionPartTokens
		default:
			n, err := counter.CountTokens(ctx, p.Text)
			if err != nil {
				return 0, err
			}
			cost += n
		}
	}
	for _, tc := range m.ToolCalls {
		cost += toolCallOverhead
		argBytes, err := json.Marshal(tc.Arguments)
		if err == nil {
			n, cerr := counter.CountTokens(ctx, string(argBytes))
			if cerr != nil {
				return 0, cerr
			}
			cost += n
		}
	}
	if m.ToolCallID != "" {
		cost += toolCallIDOverhead
	}
	return cost, nil
}

func toolDefinitionTokens(ctx context.Context, tools []models.ToolDefinition, counter tokenize.Counter) (int, error) {
	total := 0
	for _, t := range tools {
		wire := map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		}
		b, err := json.Marshal(wire)
		if err != nil {
			return 0, fmt.Errorf("marshal tool definition %q: %w", t.Name, err)
		}
		n, err := counter.CountTokens(ctx, string(b))
		if err != nil {
			return 0, err
		}
		total += n + toolDefWrapOverhead
	}
	return total, nil
}

// truncateOversizedToolResults clips any tool-role message whose content
// exceeds maxTokens, appending a human-readable suffix, then verifies the
// truncated content does not overshoot the budget (one refinement pass).
func truncateOversizedToolResults(ctx context.Context, messages []models.Message, maxTokens int, counter tokenize.Counter) ([]models.Message, error) {
	out := make([]models.Message, len(messages))
	copy(out, messages)

	for i, m := range out {
		if m.Role != models.RoleTool || m.Text == "" {
			continue
		}
		n, err := counter.CountTokens(ctx, m.Text)
		if err != nil {
			return nil, err
		}
		if n <= maxTokens {
			continue
		}

		suffixTokens, err := counter.CountTokens(ctx, truncatedResultSuffix)
		if err != nil {
			return nil, err
		}
		budget := maxTokens - suffixTokens
		if budget < 0 {
			budget = 0
		}

		clipped := clipToApproxTokens(m.Text, budget)
		candidate := clipped + truncatedResultSuffix

		// Refinement pass: if we still overshoot, clip harder once more.
		candidateTokens, err := counter.CountTokens(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if candidateTokens > maxTokens {
			overshoot := candidateTokens - maxTokens
			shrink := len(clipped) - overshoot*4
			if shrink < 0 {
				shrink = 0
			}
			clipped = clipped[:shrink]
			candidate = clipped + truncatedResultSuffix
		}

		out[i].Text = candidate
	}

	return out, nil
}

// clipToApproxTokens returns a prefix of text sized to approximately
// budget tokens, assuming 4 chars per token (coarser than the fallback
// estimator's 3.5); it is a cheap pre-clip before the exact recount.
func clipToApproxTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	approxChars := budget * 4
	if approxChars >= len(text) {
		return text
	}
	return text[:approxChars]
}
