// Package memstore is the hybrid memory store: a keyed record table with
// FTS5 full-text search, a cosine-similarity vector index, weighted
// hybrid fusion of the two, a separate TTL-bound working-memory table,
// garbage collection, and daily-log ingestion.
package memstore

import (
	"context"
	"time"
)

// Source identifies who/what wrote a record, governing collision and GC
// behavior.
type Source string

const (
	SourceManual       Source = "manual"
	SourceAuto         Source = "auto"
	SourceCompaction   Source = "compaction"
	SourceConversation Source = "conversation"
)

// Category classifies the kind of fact a record holds.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryPreference Category = "preference"
	CategoryDecision   Category = "decision"
	CategoryProject    Category = "project"
	CategoryEntity     Category = "entity"
	CategoryLesson     Category = "lesson"
)

// Record is one row of the memory table.
type Record struct {
	Key            string
	Value          string
	Category       Category
	ContentType    string
	Source         Source
	SessionID      string
	Embedding      []float32
	Metadata       map[string]any
	AccessCount    int
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SetOptions qualifies a Set call.
type SetOptions struct {
	Category    Category
	ContentType string
	Source      Source
	SessionID   string
	Embedding   []float32
	Metadata    map[string]any
}

// Filters narrows search and listing calls.
type Filters struct {
	Category    Category
	ContentType string
	Source      Source
	SessionID   string
	Since       *time.Time
	Until       *time.Time
}

// MatchType records which search path produced a hybrid hit.
type MatchType string

const (
	MatchFTS    MatchType = "fts"
	MatchVector MatchType = "vector"
	MatchHybrid MatchType = "hybrid"
)

// SearchHit is one ranked search result.
type SearchHit struct {
	Record    Record
	Score     float64
	MatchType MatchType
}

// HybridWeights controls how search_hybrid combines the two rankings.
type HybridWeights struct {
	FTS    float64
	Vector float64
}

// DefaultHybridWeights matches the spec's default fusion weights.
var DefaultHybridWeights = HybridWeights{FTS: 0.3, Vector: 0.7}

// Embedder turns text into a vector for semantic and vector search.
// memstore only depends on this narrow interface; this module ships no
// implementation, and with no Embedder set semantic search falls back to FTS.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Tokenizer splits text into a form suitable for FTS indexing when the
// caller wants query normalization beyond SQLite's own FTS5 tokenizer.
type Tokenizer interface {
	Tokenize(text string) []string
}

// GCOptions configures collect_garbage.
type GCOptions struct {
	AutoMaxAge         time.Duration
	ConversationMaxAge time.Duration
	DryRun             bool
}

// GCResult reports what collect_garbage did (or would do, if DryRun).
type GCResult struct {
	Deleted []string
	Skipped int
}

// WorkingEntry is one row of the working-memory TTL table.
type WorkingEntry struct {
	Key       string
	Value     string
	ExpiresAt time.Time
	Promote   bool
	CreatedAt time.Time
}

// DailyLogSource supplies the raw daily conversation logs that
// IngestDailyLogs chunks and indexes.
type DailyLogSource interface {
	ListDailyLogs(ctx context.Context) ([]string, error)
	ReadDailyLog(ctx context.Context, date string) (string, error)
}

// ExtractedMemory is one item parsed from an LLM extraction pass.
type ExtractedMemory struct {
	Key      string
	Value    string
	Category Category
}
