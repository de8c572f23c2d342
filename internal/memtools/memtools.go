// Package memtools adapts the hybrid memory store to the tool registry,
// giving the agent loop a memory_search and memory_set tool call —
// the concrete surface behind spec.md's memory.{set,get,search_*} caller
// contract (§6), grounded on the teacher's tool-struct/Definition/Execute
// shape (internal/attention/tools.go).
package memtools

import (
	"context"
	"fmt"
	"time"

	"github.com/localagent/corvid/internal/memstore"
	"github.com/localagent/corvid/internal/models"
)

// SearchTool exposes memstore.Store.SearchHybrid as "memory_search".
type SearchTool struct {
	store *memstore.Store
}

// NewSearchTool builds a SearchTool over store.
func NewSearchTool(store *memstore.Store) *SearchTool {
	return &SearchTool{store: store}
}

func (t *SearchTool) Name() string { return "memory_search" }

func (t *SearchTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "memory_search",
		Description: "Search stored memories using combined keyword and vector similarity.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search text."},
				"limit": map[string]any{"type": "integer", "description": "Max results (default 5)."},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any, cwd string) (models.ToolResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return models.ToolResult{Success: false, Output: "query is required"}, nil
	}
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	hits, err := t.store.SearchHybrid(ctx, query, limit, memstore.DefaultHybridWeights, memstore.Filters{})
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("memory_search: %w", err)
	}
	if len(hits) == 0 {
		return models.ToolResult{Success: true, Output: "no matching memories"}, nil
	}

	out := ""
	for i, hit := range hits {
		out += fmt.Sprintf("%d. [%s, score=%.3f] %s\n", i+1, hit.MatchType, hit.Score, hit.Record.Value)
	}
	return models.ToolResult{Success: true, Output: out}, nil
}

// SetTool exposes memstore.Store.Set as "memory_set".
type SetTool struct {
	store *memstore.Store
}

// NewSetTool builds a SetTool over store.
func NewSetTool(store *memstore.Store) *SetTool {
	return &SetTool{store: store}
}

func (t *SetTool) Name() string { return "memory_set" }

func (t *SetTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "memory_set",
		Description: "Store or update a durable memory under a key.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":      map[string]any{"type": "string", "description": "Memory key; omit to auto-generate."},
				"value":    map[string]any{"type": "string", "description": "Memory content."},
				"category": map[string]any{"type": "string", "description": "Optional category label."},
			},
			"required": []string{"value"},
		},
	}
}

func (t *SetTool) Execute(ctx context.Context, args map[string]any, cwd string) (models.ToolResult, error) {
	value, _ := args["value"].(string)
	if value == "" {
		return models.ToolResult{Success: false, Output: "value is required"}, nil
	}
	key, _ := args["key"].(string)
	if key == "" {
		key = fmt.Sprintf("mem_%d", time.Now().UnixNano())
	}
	category, _ := args["category"].(string)

	storedKey, err := t.store.Set(ctx, key, value, memstore.SetOptions{Category: memstore.Category(category)})
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("memory_set: %w", err)
	}
	return models.ToolResult{Success: true, Output: fmt.Sprintf("stored as %q", storedKey)}, nil
}
