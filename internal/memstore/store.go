package memstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("memstore: not found")

// Store is the SQLite-backed hybrid memory store.
type Store struct {
	db        *sql.DB
	embedder  Embedder
	workingTTL time.Duration
}

// Config configures Open.
type Config struct {
	Path     string
	Embedder Embedder
	// WorkingMemoryTTL is the default TTL applied by SetWorking when the
	// caller does not specify one. Defaults to 1h.
	WorkingMemoryTTL time.Duration
}

// Open creates (or opens) the SQLite database at cfg.Path and ensures the
// schema, including the FTS5 virtual table, exists.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	ttl := cfg.WorkingMemoryTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memstore: open: %w", err)
	}
	s := &Store{db: db, embedder: cfg.Embedder, workingTTL: ttl}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			category TEXT,
			content_type TEXT,
			source TEXT NOT NULL,
			session_id TEXT,
			embedding BLOB,
			metadata TEXT,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_content_type ON memories(content_type)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			key UNINDEXED, value, content='memories', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, key, value) VALUES (new.rowid, new.key, new.value);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, key, value) VALUES ('delete', old.rowid, old.key, old.value);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, key, value) VALUES ('delete', old.rowid, old.key, old.value);
			INSERT INTO memories_fts(rowid, key, value) VALUES (new.rowid, new.key, new.value);
		END`,
		`CREATE TABLE IF NOT EXISTS working_memory (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			promote INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_working_memory_expires ON working_memory(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memstore: init schema: %w", err)
		}
	}
	return nil
}

// Set upserts key per opts, returning the actual key written. For
// source in {auto, compaction} with a SessionID set, a collision with an
// existing record owned by a different session writes to a synthesized
// "{key}_2", "_3", ... suffix instead of overwriting. Same-session writes,
// manual writes, and any write without a session ID overwrite in place.
func (s *Store) Set(ctx context.Context, key, value string, opts SetOptions) (string, error) {
	if opts.Source == "" {
		opts.Source = SourceManual
	}

	actualKey := key
	if (opts.Source == SourceAuto || opts.Source == SourceCompaction) && opts.SessionID != "" {
		existing, err := s.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
		if err == nil && existing.SessionID != opts.SessionID {
			actualKey, err = s.nextSuffixedKey(ctx, key)
			if err != nil {
				return "", err
			}
		}
	}

	metadata, err := marshalMap(opts.Metadata)
	if err != nil {
		return "", err
	}
	embedding := encodeEmbedding(opts.Embedding)
	now := time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (key, value, category, content_type, source, session_id, embedding, metadata, access_count, last_accessed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value, category=excluded.category, content_type=excluded.content_type,
			source=excluded.source, session_id=excluded.session_id, embedding=excluded.embedding,
			metadata=excluded.metadata, updated_at=excluded.updated_at`,
		actualKey, value, string(opts.Category), opts.ContentType, string(opts.Source),
		nullString(opts.SessionID), embedding, metadata, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("memstore: set: %w", err)
	}
	return actualKey, nil
}

func (s *Store) nextSuffixedKey(ctx context.Context, base string) (string, error) {
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		_, err := s.Get(ctx, candidate)
		if errors.Is(err, ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Get retrieves a record by key.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, recordSelectColumns+` FROM memories WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Delete removes a record by key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("memstore: delete: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// RecordAccess bumps last_accessed_at and access_count for each existing
// key. A no-op for an empty slice.
func (s *Store) RecordAccess(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	now := time.Now()
	for _, key := range keys {
		_, err := s.db.ExecContext(ctx, `
			UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
			WHERE key = ?`, now, key)
		if err != nil {
			return fmt.Errorf("memstore: record_access: %w", err)
		}
	}
	return nil
}

// SearchFTS runs a full-text query over record values, ranked by the FTS5
// engine's bm25 rank (ascending rank = better match, so hits are returned
// best-first).
func (s *Store) SearchFTS(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, recordSelectColumnsPrefixed+`
		FROM memories_fts
		JOIN memories ON memories.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY bm25(memories_fts) ASC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("memstore: search_fts: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("memstore: search_fts: scan: %w", err)
		}
		hits = append(hits, SearchHit{Record: *rec, MatchType: MatchFTS})
	}
	// bm25 ranks don't give directly comparable cross-query scores; assign
	// a descending pseudo-score by rank position for callers (e.g. hybrid
	// fusion) that need one.
	for i := range hits {
		hits[i].Score = 1.0 / float64(i+1)
	}
	return hits, rows.Err()
}

// SearchVector runs cosine similarity against every record with a
// non-empty embedding matching filters, descending by score.
func (s *Store) SearchVector(ctx context.Context, queryEmbedding []float32, limit int, filters Filters) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	query, args := buildFilteredQuery(filters)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memstore: search_vector: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("memstore: search_vector: scan: %w", err)
		}
		if len(rec.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(queryEmbedding, rec.Embedding)
		hits = append(hits, SearchHit{Record: *rec, Score: float64(score), MatchType: MatchVector})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SearchSemantic embeds text and delegates to SearchVector. With no
// embedder configured, it falls back to SearchFTS(text, limit).
func (s *Store) SearchSemantic(ctx context.Context, text string, limit int, filters Filters) ([]SearchHit, error) {
	if s.embedder == nil {
		return s.SearchFTS(ctx, text, limit)
	}
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memstore: search_semantic: embed: %w", err)
	}
	return s.SearchVector(ctx, embedding, limit, filters)
}

// SearchHybrid runs FTS and vector search (each over 2*limit candidates),
// fuses per-key scores by weighted sum (a side missing for a key
// contributes 0), applies filters to the union, and returns the top limit
// results descending, each tagged "hybrid" unless it only matched one side.
func (s *Store) SearchHybrid(ctx context.Context, query string, limit int, weights HybridWeights, filters Filters) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	if weights == (HybridWeights{}) {
		weights = DefaultHybridWeights
	}

	ftsHits, err := s.SearchFTS(ctx, query, limit*2)
	if err != nil {
		return nil, err
	}

	var vectorHits []SearchHit
	if s.embedder != nil {
		embedding, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("memstore: search_hybrid: embed: %w", err)
		}
		vectorHits, err = s.SearchVector(ctx, embedding, limit*2, Filters{})
		if err != nil {
			return nil, err
		}
	}

	type fused struct {
		record    Record
		ftsScore  float64
		vecScore  float64
		matched   map[MatchType]bool
	}
	byKey := make(map[string]*fused)
	for _, h := range ftsHits {
		byKey[h.Record.Key] = &fused{record: h.Record, ftsScore: h.Score, matched: map[MatchType]bool{MatchFTS: true}}
	}
	for _, h := range vectorHits {
		if f, ok := byKey[h.Record.Key]; ok {
			f.vecScore = h.Score
			f.matched[MatchVector] = true
		} else {
			byKey[h.Record.Key] = &fused{record: h.Record, vecScore: h.Score, matched: map[MatchType]bool{MatchVector: true}}
		}
	}

	var out []SearchHit
	for _, f := range byKey {
		if !matchesFilters(f.record, filters) {
			continue
		}
		matchType := MatchHybrid
		if len(f.matched) == 1 {
			for mt := range f.matched {
				matchType = mt
			}
		}
		out = append(out, SearchHit{
			Record:    f.record,
			Score:     weights.FTS*f.ftsScore + weights.Vector*f.vecScore,
			MatchType: matchType,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetByCategory, GetByTimeRange, GetByContentType, and GetBySource are
// indexed filter listings, newest first.
func (s *Store) GetByCategory(ctx context.Context, category Category) ([]Record, error) {
	return s.listWhere(ctx, `category = ?`, string(category))
}

func (s *Store) GetByTimeRange(ctx context.Context, since, until time.Time) ([]Record, error) {
	return s.listWhere(ctx, `created_at >= ? AND created_at <= ?`, since, until)
}

func (s *Store) GetByContentType(ctx context.Context, contentType string) ([]Record, error) {
	return s.listWhere(ctx, `content_type = ?`, contentType)
}

func (s *Store) GetBySource(ctx context.Context, source Source) ([]Record, error) {
	return s.listWhere(ctx, `source = ?`, string(source))
}

func (s *Store) listWhere(ctx context.Context, where string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, recordSelectColumns+` FROM memories WHERE `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("memstore: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("memstore: list: scan: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CollectGarbage deletes (or, if DryRun, lists) auto-source records with
// zero accesses older than AutoMaxAge, and conversation-source records
// older than ConversationMaxAge. Manual and compaction records are never
// touched.
func (s *Store) CollectGarbage(ctx context.Context, opts GCOptions) (GCResult, error) {
	now := time.Now()
	result := GCResult{}

	autoCutoff := now.Add(-opts.AutoMaxAge)
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM memories WHERE source = ? AND access_count = 0 AND created_at < ?`,
		string(SourceAuto), autoCutoff)
	if err != nil {
		return result, fmt.Errorf("memstore: collect_garbage: auto query: %w", err)
	}
	autoKeys, err := collectKeys(rows)
	if err != nil {
		return result, err
	}

	convCutoff := now.Add(-opts.ConversationMaxAge)
	rows, err = s.db.QueryContext(ctx, `
		SELECT key FROM memories WHERE source = ? AND created_at < ?`,
		string(SourceConversation), convCutoff)
	if err != nil {
		return result, fmt.Errorf("memstore: collect_garbage: conversation query: %w", err)
	}
	convKeys, err := collectKeys(rows)
	if err != nil {
		return result, err
	}

	var preservedAuto int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories WHERE source = ? AND access_count > 0 AND created_at < ?`,
		string(SourceAuto), autoCutoff).Scan(&preservedAuto)
	if err != nil {
		return result, fmt.Errorf("memstore: collect_garbage: preserved count: %w", err)
	}

	toDelete := append(append([]string{}, autoKeys...), convKeys...)
	result.Deleted = toDelete
	result.Skipped = preservedAuto

	if opts.DryRun || len(toDelete) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("memstore: collect_garbage: begin: %w", err)
	}
	defer rollback(tx)

	for _, key := range toDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key); err != nil {
			return result, fmt.Errorf("memstore: collect_garbage: delete %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("memstore: collect_garbage: commit: %w", err)
	}
	return result, nil
}

func collectKeys(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("memstore: collect_garbage: scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- working memory ---

// SetWorking writes a working-memory entry with the given TTL (0 uses the
// store's configured default).
func (s *Store) SetWorking(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.workingTTL
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO working_memory (key, value, expires_at, promote, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("memstore: set_working: %w", err)
	}
	return nil
}

// GetWorking sweeps expired entries, then returns key if still present.
func (s *Store) GetWorking(ctx context.Context, key string) (*WorkingEntry, error) {
	if err := s.Sweep(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, expires_at, promote, created_at FROM working_memory WHERE key = ?`, key)
	var e WorkingEntry
	var promote int
	err := row.Scan(&e.Key, &e.Value, &e.ExpiresAt, &promote, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memstore: get_working: %w", err)
	}
	e.Promote = promote != 0
	return &e, nil
}

// GetAllWorking sweeps expired entries, then returns all that remain.
func (s *Store) GetAllWorking(ctx context.Context) ([]WorkingEntry, error) {
	if err := s.Sweep(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, expires_at, promote, created_at FROM working_memory`)
	if err != nil {
		return nil, fmt.Errorf("memstore: get_all_working: %w", err)
	}
	defer rows.Close()

	var out []WorkingEntry
	for rows.Next() {
		var e WorkingEntry
		var promote int
		if err := rows.Scan(&e.Key, &e.Value, &e.ExpiresAt, &promote, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("memstore: get_all_working: scan: %w", err)
		}
		e.Promote = promote != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountWorking sweeps expired entries, then returns the remaining count.
func (s *Store) CountWorking(ctx context.Context) (int, error) {
	if err := s.Sweep(ctx); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM working_memory`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("memstore: count_working: %w", err)
	}
	return n, nil
}

// Sweep deletes working-memory entries past expiry that are not flagged
// for promotion.
func (s *Store) Sweep(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM working_memory WHERE expires_at <= ? AND promote = 0`, time.Now())
	if err != nil {
		return fmt.Errorf("memstore: sweep: %w", err)
	}
	return nil
}

// MarkForPromotion sets the promote flag, exempting key from Sweep even
// past expiry.
func (s *Store) MarkForPromotion(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE working_memory SET promote = 1 WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("memstore: mark_for_promotion: %w", err)
	}
	return nil
}

// GetPromotionCandidates returns every flagged entry, expired or not.
func (s *Store) GetPromotionCandidates(ctx context.Context) ([]WorkingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, expires_at, promote, created_at FROM working_memory WHERE promote = 1`)
	if err != nil {
		return nil, fmt.Errorf("memstore: get_promotion_candidates: %w", err)
	}
	defer rows.Close()

	var out []WorkingEntry
	for rows.Next() {
		var e WorkingEntry
		var promote int
		if err := rows.Scan(&e.Key, &e.Value, &e.ExpiresAt, &promote, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("memstore: get_promotion_candidates: scan: %w", err)
		}
		e.Promote = promote != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- daily log ingestion ---

var logLinePattern = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}T[\d:.]+(?:Z|[+-]\d{2}:?\d{2})?)\]`)

const maxLogChunkSize = 1500

// IngestDailyLogs pulls every date from src.ListDailyLogs, reads lines
// matching the "[<ISO8601>] ..." timestamp prefix, splits them into
// chunks of at most 1500 characters, and indexes each as
// "log:{date}:{index}". A date already having chunk 0 indexed is skipped
// as already ingested.
func (s *Store) IngestDailyLogs(ctx context.Context, src DailyLogSource) (int, error) {
	dates, err := src.ListDailyLogs(ctx)
	if err != nil {
		return 0, fmt.Errorf("memstore: ingest_daily_logs: list: %w", err)
	}

	ingested := 0
	for _, date := range dates {
		firstChunkKey := fmt.Sprintf("log:%s:0", date)
		if _, err := s.Get(ctx, firstChunkKey); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return ingested, err
		}

		content, err := src.ReadDailyLog(ctx, date)
		if err != nil {
			return ingested, fmt.Errorf("memstore: ingest_daily_logs: read %s: %w", date, err)
		}

		chunks := chunkLogLines(content)
		for i, chunk := range chunks {
			key := fmt.Sprintf("log:%s:%d", date, i)
			if _, err := s.Set(ctx, key, chunk, SetOptions{Category: CategoryFact, ContentType: "daily_log", Source: SourceAuto}); err != nil {
				return ingested, fmt.Errorf("memstore: ingest_daily_logs: set %s: %w", key, err)
			}
			ingested++
		}
	}
	return ingested, nil
}

func chunkLogLines(content string) []string {
	var chunks []string
	var current strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if !logLinePattern.MatchString(line) {
			continue
		}
		if current.Len()+len(line)+1 > maxLogChunkSize && current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// --- scanning, filtering, and codec helpers ---

const recordSelectColumns = `SELECT
	key, value, category, content_type, source, session_id, embedding, metadata,
	access_count, last_accessed_at, created_at, updated_at`

const recordSelectColumnsPrefixed = `SELECT
	memories.key, memories.value, memories.category, memories.content_type, memories.source,
	memories.session_id, memories.embedding, memories.metadata, memories.access_count,
	memories.last_accessed_at, memories.created_at, memories.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var category, contentType, source sql.NullString
	var sessionID sql.NullString
	var embeddingBlob []byte
	var metadata sql.NullString
	var lastAccessed sql.NullTime

	err := row.Scan(
		&r.Key, &r.Value, &category, &contentType, &source, &sessionID,
		&embeddingBlob, &metadata, &r.AccessCount, &lastAccessed, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Category = Category(category.String)
	r.ContentType = contentType.String
	r.Source = Source(source.String)
	r.SessionID = sessionID.String
	r.Embedding = decodeEmbedding(embeddingBlob)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		r.LastAccessedAt = &t
	}
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &r, nil
}

func buildFilteredQuery(filters Filters) (string, []any) {
	query := recordSelectColumns + ` FROM memories WHERE 1=1`
	var args []any
	if filters.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(filters.Category))
	}
	if filters.ContentType != "" {
		query += ` AND content_type = ?`
		args = append(args, filters.ContentType)
	}
	if filters.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filters.Source))
	}
	if filters.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filters.SessionID)
	}
	if filters.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filters.Since)
	}
	if filters.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, *filters.Until)
	}
	return query, args
}

func matchesFilters(r Record, filters Filters) bool {
	if filters.Category != "" && r.Category != filters.Category {
		return false
	}
	if filters.ContentType != "" && r.ContentType != filters.ContentType {
		return false
	}
	if filters.Source != "" && r.Source != filters.Source {
		return false
	}
	if filters.SessionID != "" && r.SessionID != filters.SessionID {
		return false
	}
	if filters.Since != nil && r.CreatedAt.Before(*filters.Since) {
		return false
	}
	if filters.Until != nil && r.CreatedAt.After(*filters.Until) {
		return false
	}
	return true
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalMap(values map[string]any) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("memstore: marshal metadata: %w", err)
	}
	return string(b), nil
}

// encodeEmbedding converts []float32 to a little-endian byte blob.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding converts a little-endian byte blob back to []float32.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (sqrt32(normA) * sqrt32(normB))
}

func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}
