package fitter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localagent/corvid/internal/models"
	"github.com/localagent/corvid/internal/tokenize"
)

// fixedCounter returns a fixed token count per distinct text, set up by
// the test, so scenario math is exact instead of char-ratio approximate.
type fixedCounter struct {
	byText map[string]int
	fallback int
}

func (f *fixedCounter) CountTokens(_ context.Context, text string) (int, error) {
	if n, ok := f.byText[text]; ok {
		return n, nil
	}
	return f.fallback, nil
}

func textOfLen(tokens int) string {
	return strings.Repeat("x", tokens)
}

// TestFitterScenarioS2 mirrors the documented grouping scenario: u1(10),
// a1+calls(10), tool1(10), a2(200), u3(10) with a budget of 40 after
// overhead. Only u3 should survive, with a truncation notice prepended
// and an excluded count of 4.
func TestFitterScenarioS2(t *testing.T) {
	u1 := models.Message{Role: models.RoleUser, Text: "u1"}
	a1 := models.Message{Role: models.RoleAssistant, Text: "a1", ToolCalls: []models.ToolCall{{ID: "t1", Name: "fn", Arguments: map[string]any{}}}}
	tool1 := models.Message{Role: models.RoleTool, Text: "tool1", ToolCallID: "t1"}
	a2 := models.Message{Role: models.RoleAssistant, Text: "a2"}
	u3 := models.Message{Role: models.RoleUser, Text: "u3"}

	messages := []models.Message{u1, a1, tool1, a2, u3}

	counter := &fixedCounter{byText: map[string]int{
		"u1":    10 - messageFrameOverhead,
		"a1":    10 - messageFrameOverhead - toolCallOverhead,
		"tool1": 10 - messageFrameOverhead - toolCallIDOverhead,
		"a2":    200 - messageFrameOverhead,
		"u3":    10 - messageFrameOverhead,
	}}

	cfg := Config{ContextLength: 2048 + 40, ReserveForOutput: 2048, MaxToolResultTokens: 100000}
	// Zero system prompt and no tools, so fixed cost is the reserve alone and budget == 40.
	out, err := Fit(context.Background(), "", messages, nil, cfg, counter, nil)
	require.NoError(t, err)

	require.Len(t, out, 2) // notice + u3
	assert.Equal(t, models.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Text, "4 messages")
	assert.Equal(t, "u3", out[1].Text)
}

// TestFitterGroupAtomicity verifies the assistant+tool_calls message and
// its following tool-result message are never split: if the group doesn't
// fit, both are excluded together.
func TestFitterGroupAtomicity(t *testing.T) {
	a1 := models.Message{Role: models.RoleAssistant, Text: "a1", ToolCalls: []models.ToolCall{{ID: "t1", Name: "fn", Arguments: map[string]any{}}}}
	tool1 := models.Message{Role: models.RoleTool, Text: "tool1", ToolCallID: "t1"}
	u2 := models.Message{Role: models.RoleUser, Text: "u2"}

	messages := []models.Message{a1, tool1, u2}

	counter := &fixedCounter{byText: map[string]int{
		"a1":    100,
		"tool1": 100,
		"u2":    5,
	}}

	// Budget only fits u2; the a1/tool1 group must be excluded as a unit.
	cfg := Config{ContextLength: 2048 + 20, ReserveForOutput: 2048, MaxToolResultTokens: 100000}
	out, err := Fit(context.Background(), "", messages, nil, cfg, counter, nil)
	require.NoError(t, err)

	for _, m := range out {
		assert.NotEqual(t, "a1", m.Text)
		assert.NotEqual(t, "tool1", m.Text)
	}
}

// TestFitterNewestFirstNoPacking verifies that once a group is excluded,
// no later (older, possibly smaller) group is packed in behind it.
func TestFitterNewestFirstNoPacking(t *testing.T) {
	old := models.Message{Role: models.RoleUser, Text: "old-small"}
	mid := models.Message{Role: models.RoleUser, Text: "mid-huge"}
	newest := models.Message{Role: models.RoleUser, Text: "newest-small"}

	messages := []models.Message{old, mid, newest}

	counter := &fixedCounter{byText: map[string]int{
		"old-small":    1,
		"mid-huge":     1000,
		"newest-small": 1,
	}}

	// Budget of 20 fits newest-small (1 + frame overhead) but not mid-huge.
	cfg := Config{ContextLength: 2048 + 20, ReserveForOutput: 2048, MaxToolResultTokens: 100000}
	out, err := Fit(context.Background(), "", messages, nil, cfg, counter, nil)
	require.NoError(t, err)

	var texts []string
	for _, m := range out {
		texts = append(texts, m.Text)
	}
	assert.NotContains(t, texts, "old-small")
	assert.Contains(t, texts, "newest-small")
}

// TestFitterForcesLastUserWhenNothingFits verifies the fallback: when no
// group fits the budget at all, the most recent user message is forced in.
func TestFitterForcesLastUserWhenNothingFits(t *testing.T) {
	u1 := models.Message{Role: models.RoleUser, Text: "u1"}
	a1 := models.Message{Role: models.RoleAssistant, Text: "a1"}

	messages := []models.Message{u1, a1}
	counter := &fixedCounter{byText: map[string]int{"u1": 500, "a1": 500}}

	cfg := Config{ContextLength: 10, ReserveForOutput: 0, MaxToolResultTokens: 100000}
	out, err := Fit(context.Background(), "", messages, nil, cfg, counter, nil)
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, models.RoleUser, out[0].Role)
	assert.Equal(t, "u1", out[0].Text)
}

// TestFitterNonPositiveBudget verifies the failure mode: when fixed costs
// alone exceed the context length, the fitter warns and returns only the
// most recent user message.
func TestFitterNonPositiveBudget(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Text: "u1"},
		{Role: models.RoleAssistant, Text: "a1"},
	}
	counter := &fixedCounter{fallback: 1}

	cfg := Config{ContextLength: 5, ReserveForOutput: 10, MaxToolResultTokens: 100}
	out, err := Fit(context.Background(), "big system prompt", messages, nil, cfg, counter, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "u1", out[0].Text)
}

// TestFitterTruncatesOversizedToolResult verifies a single tool result
// above max_tool_result_tokens is clipped with a visible suffix.
func TestFitterTruncatesOversizedToolResult(t *testing.T) {
	big := textOfLen(4000)
	tool1 := models.Message{Role: models.RoleTool, Text: big, ToolCallID: "t1"}
	messages := []models.Message{tool1}

	counter := tokenize.NewCharRatioEstimator()

	cfg := Config{ContextLength: 100000, ReserveForOutput: 0, MaxToolResultTokens: 100}
	out, err := Fit(context.Background(), "", messages, nil, cfg, counter, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "truncated")
	assert.Less(t, len(out[0].Text), len(big))
}
