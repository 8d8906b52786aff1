package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage. Records, versions,
// conflicts, tag edges, embeddings, graph state and the raw chat log all
// live in one database file under the installation data dir.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process memory service. Use one shared connection to avoid
	// writer lock contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			persona_id TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			memory_type TEXT NOT NULL DEFAULT 'other',
			source TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0.5,
			strength REAL NOT NULL DEFAULT 0.5,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_ms INTEGER NOT NULL DEFAULT 0,
			retention REAL NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			pinned INTEGER NOT NULL DEFAULT 0,
			tagged_at_ms INTEGER NOT NULL DEFAULT 0,
			extracted_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS records_scope_idx ON memory_records(persona_id, scope, status, memory_type, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS records_status_idx ON memory_records(status, pinned, retention);`,
		`CREATE INDEX IF NOT EXISTS records_tagged_idx ON memory_records(status, tagged_at_ms);`,
		`CREATE INDEX IF NOT EXISTS records_extracted_idx ON memory_records(status, extracted_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id INTEGER NOT NULL,
			old_content TEXT NOT NULL,
			new_content TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS versions_memory_idx ON memory_versions(memory_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_conflicts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id INTEGER NOT NULL,
			base_persona_id TEXT NOT NULL DEFAULT '',
			base_scope TEXT NOT NULL,
			base_content TEXT NOT NULL,
			base_memory_type TEXT NOT NULL,
			cand_content TEXT NOT NULL,
			cand_source TEXT NOT NULL DEFAULT '',
			cand_importance REAL NOT NULL DEFAULT 0.5,
			cand_strength REAL NOT NULL DEFAULT 0.5,
			cand_memory_type TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			suggested_merge TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			resolution TEXT NOT NULL DEFAULT '',
			resolved_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conflicts_scope_idx ON memory_conflicts(base_persona_id, base_scope, status, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS record_tags (
			record_id INTEGER NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY(record_id, tag)
		);`,
		`CREATE INDEX IF NOT EXISTS record_tags_tag_idx ON record_tags(tag, record_id);`,
		`CREATE TABLE IF NOT EXISTS tag_links (
			tag_a TEXT NOT NULL,
			tag_b TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(tag_a, tag_b)
		);`,
		`CREATE TABLE IF NOT EXISTS record_embeddings (
			record_id INTEGER PRIMARY KEY,
			model TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS kg_entities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			entity_type TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS kg_mentions (
			entity_id TEXT NOT NULL,
			record_id INTEGER NOT NULL,
			PRIMARY KEY(entity_id, record_id)
		);`,
		`CREATE INDEX IF NOT EXISTS kg_mentions_record_idx ON kg_mentions(record_id);`,
		`CREATE TABLE IF NOT EXISTS kg_relations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject_id TEXT NOT NULL,
			rel_type TEXT NOT NULL,
			object_id TEXT NOT NULL,
			record_id INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS kg_relations_subject_idx ON kg_relations(subject_id, rel_type);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			persona_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			extracted_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_extract_idx ON chat_messages(extracted_at_ms, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			capture_enabled INTEGER NOT NULL DEFAULT 1,
			capture_user INTEGER NOT NULL DEFAULT 1,
			capture_assistant INTEGER NOT NULL DEFAULT 0,
			retrieve_enabled INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_records_fts USING fts5(record_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memory_records_ai AFTER INSERT ON memory_records BEGIN
			INSERT INTO memory_records_fts(record_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_records_au AFTER UPDATE OF content ON memory_records BEGIN
			DELETE FROM memory_records_fts WHERE record_id = old.id;
			INSERT INTO memory_records_fts(record_id, content) VALUES(new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_records_ad AFTER DELETE ON memory_records BEGIN
			DELETE FROM memory_records_fts WHERE record_id = old.id;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// checkScope enforces scope/personaId consistency: shared iff no persona.
func checkScope(personaID string, scope Scope) error {
	switch scope {
	case ScopeShared:
		if personaID != "" {
			return fmt.Errorf("%w: shared scope with persona_id %q", ErrInvalidArgument, personaID)
		}
	case ScopePersona:
		if personaID == "" {
			return fmt.Errorf("%w: persona scope without persona_id", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidArgument, scope)
	}
	return nil
}

const recordColumns = `id, persona_id, scope, content, kind, role, memory_type, source,
	importance, strength, access_count, last_accessed_ms, retention,
	status, pinned, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (MemoryRecord, error) {
	var rec MemoryRecord
	var scope, memType, status string
	var lastMS, createdMS, updatedMS int64
	var pinned int
	if err := row.Scan(
		&rec.Rowid, &rec.PersonaID, &scope, &rec.Content, &rec.Kind, &rec.Role, &memType, &rec.Source,
		&rec.Importance, &rec.Strength, &rec.AccessCount, &lastMS, &rec.Retention,
		&status, &pinned, &createdMS, &updatedMS,
	); err != nil {
		return MemoryRecord{}, err
	}
	rec.Scope = Scope(scope)
	rec.MemoryType = MemoryType(memType)
	rec.Status = RecordStatus(status)
	rec.Pinned = pinned != 0
	rec.LastAccessedAt = msToTime(lastMS)
	rec.CreatedAt = msToTime(createdMS)
	rec.UpdatedAt = msToTime(updatedMS)
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]MemoryRecord, error) {
	out := []MemoryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return out, nil
}

// InsertRecord persists a new record and returns it with the assigned rowid.
// Zero importance/strength means unset and takes the 0.5 default; pass a
// negative value to store an explicit 0 (it clamps to the floor).
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec MemoryRecord) (MemoryRecord, error) {
	if strings.TrimSpace(rec.Content) == "" {
		return MemoryRecord{}, fmt.Errorf("%w: empty content", ErrInvalidArgument)
	}
	if rec.Scope == "" {
		if rec.PersonaID == "" {
			rec.Scope = ScopeShared
		} else {
			rec.Scope = ScopePersona
		}
	}
	if err := checkScope(rec.PersonaID, rec.Scope); err != nil {
		return MemoryRecord{}, err
	}
	if rec.MemoryType == "" {
		rec.MemoryType = TypeOther
	}
	if !validMemoryType(rec.MemoryType) {
		return MemoryRecord{}, fmt.Errorf("%w: unknown memory type %q", ErrInvalidArgument, rec.MemoryType)
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.Importance == 0 {
		rec.Importance = 0.5
	}
	if rec.Strength == 0 {
		rec.Strength = 0.5
	}
	if rec.Retention == 0 {
		rec.Retention = 1
	}
	rec.Importance = clamp01(rec.Importance)
	rec.Strength = clamp01(rec.Strength)
	rec.Retention = clamp01(rec.Retention)

	now := nowMS()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = msToTime(now)
	}
	rec.UpdatedAt = msToTime(now)

	res, err := s.db.ExecContext(ctx, `
INSERT INTO memory_records(persona_id, scope, content, kind, role, memory_type, source,
	importance, strength, access_count, last_accessed_ms, retention, status, pinned,
	tagged_at_ms, extracted_at_ms, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, 0, 0, ?, ?)`,
		rec.PersonaID, string(rec.Scope), rec.Content, rec.Kind, rec.Role, string(rec.MemoryType), rec.Source,
		rec.Importance, rec.Strength, rec.Retention, string(rec.Status), boolToInt(rec.Pinned),
		timeToMS(rec.CreatedAt), timeToMS(rec.UpdatedAt))
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("insert memory record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("insert memory record id: %w", err)
	}
	rec.Rowid = id
	return rec, nil
}

// GetRecord returns an active-or-archived record by rowid.
func (s *SQLiteStore) GetRecord(ctx context.Context, rowid int64) (MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE id = ? AND status != ?`, rowid, string(StatusDeleted))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryRecord{}, fmt.Errorf("%w: rowid %d", ErrNotFound, rowid)
		}
		return MemoryRecord{}, fmt.Errorf("get memory record: %w", err)
	}
	return rec, nil
}

func buildFilterClause(f RecordFilter, args *[]any) (string, error) {
	conds := []string{}
	if f.PersonaID != "" || f.Scope == FilterScopePersona {
		switch f.Scope {
		case FilterScopeShared:
			return "", fmt.Errorf("%w: persona_id with shared scope filter", ErrInvalidArgument)
		case FilterScopePersona, "":
			conds = append(conds, "persona_id = ?")
			*args = append(*args, f.PersonaID)
			if f.PersonaID != "" {
				conds = append(conds, "scope = ?")
				*args = append(*args, string(ScopePersona))
			}
		case FilterScopeAll:
			conds = append(conds, "(persona_id = ? OR scope = ?)")
			*args = append(*args, f.PersonaID, string(ScopeShared))
		default:
			return "", fmt.Errorf("%w: unknown scope filter %q", ErrInvalidArgument, f.Scope)
		}
	} else if f.Scope == FilterScopeShared {
		conds = append(conds, "scope = ?")
		*args = append(*args, string(ScopeShared))
	}
	if f.Role != "" {
		conds = append(conds, "role = ?")
		*args = append(*args, f.Role)
	}
	if f.Query != "" {
		conds = append(conds, "content LIKE ?")
		*args = append(*args, "%"+f.Query+"%")
	}
	if f.Status != "" {
		if !validStatus(f.Status) {
			return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, f.Status)
		}
		conds = append(conds, "status = ?")
		*args = append(*args, string(f.Status))
	} else {
		conds = append(conds, "status != ?")
		*args = append(*args, string(StatusDeleted))
	}
	if f.Pinned != nil {
		conds = append(conds, "pinned = ?")
		*args = append(*args, boolToInt(*f.Pinned))
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		*args = append(*args, f.Source)
	}
	if f.MemoryType != "" {
		if !validMemoryType(f.MemoryType) {
			return "", fmt.Errorf("%w: unknown memory type %q", ErrInvalidArgument, f.MemoryType)
		}
		conds = append(conds, "memory_type = ?")
		*args = append(*args, string(f.MemoryType))
	}
	if len(conds) == 0 {
		return "1=1", nil
	}
	return strings.Join(conds, " AND "), nil
}

var listOrders = map[string]string{
	"":            "created_at_ms DESC, id DESC",
	"created":     "created_at_ms ASC, id ASC",
	"-created":    "created_at_ms DESC, id DESC",
	"updated":     "updated_at_ms ASC, id ASC",
	"-updated":    "updated_at_ms DESC, id DESC",
	"-importance": "importance DESC, created_at_ms DESC",
	"retention":   "retention ASC, created_at_ms ASC",
	"-accessed":   "last_accessed_ms DESC, created_at_ms DESC",
}

// ListRecords returns the filtered total plus one page of records.
func (s *SQLiteStore) ListRecords(ctx context.Context, f RecordFilter, order string, limit, offset int) (int, []MemoryRecord, error) {
	orderSQL, ok := listOrders[order]
	if !ok {
		return 0, nil, fmt.Errorf("%w: unknown order %q", ErrInvalidArgument, order)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	args := []any{}
	where, err := buildFilterClause(f, &args)
	if err != nil {
		return 0, nil, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records WHERE `+where, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count memory records: %w", err)
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE `+where+`
ORDER BY `+orderSQL+`
LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return 0, nil, fmt.Errorf("list memory records: %w", err)
	}
	defer rows.Close()

	items, err := scanRecords(rows)
	if err != nil {
		return 0, nil, err
	}
	return total, items, nil
}

// UpdateContent rewrites a record's content and appends exactly one version
// describing the transition. Derived index state is invalidated so the
// maintainers re-index the new content.
func (s *SQLiteStore) UpdateContent(ctx context.Context, rowid int64, newContent, reason, source string) (MemoryRecord, error) {
	if strings.TrimSpace(newContent) == "" {
		return MemoryRecord{}, fmt.Errorf("%w: empty content", ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("update content begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE id = ? AND status != ?`, rowid, string(StatusDeleted))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryRecord{}, fmt.Errorf("%w: rowid %d", ErrNotFound, rowid)
		}
		return MemoryRecord{}, fmt.Errorf("update content read: %w", err)
	}

	now := nowMS()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_versions(memory_id, old_content, new_content, reason, source, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, rowid, rec.Content, newContent, reason, source, now); err != nil {
		return MemoryRecord{}, fmt.Errorf("append version: %w", err)
	}

	// Editing a memory counts as recall: strength nudges up, bounded below 1.
	strength := clamp01(rec.Strength + 0.05*(1-rec.Strength))
	if _, err := tx.ExecContext(ctx, `
UPDATE memory_records
SET content = ?, strength = ?, tagged_at_ms = 0, extracted_at_ms = 0, updated_at_ms = ?
WHERE id = ?`, newContent, strength, now, rowid); err != nil {
		return MemoryRecord{}, fmt.Errorf("update content write: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_embeddings WHERE record_id = ?`, rowid); err != nil {
		return MemoryRecord{}, fmt.Errorf("update content invalidate embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MemoryRecord{}, fmt.Errorf("update content commit: %w", err)
	}

	rec.Content = newContent
	rec.Strength = strength
	rec.UpdatedAt = msToTime(now)
	return rec, nil
}

func selectorClause(sel Selector, args *[]any) (string, error) {
	if len(sel.Rowids) > 0 {
		ph := strings.TrimRight(strings.Repeat("?,", len(sel.Rowids)), ",")
		for _, id := range sel.Rowids {
			*args = append(*args, id)
		}
		return "id IN (" + ph + ")", nil
	}
	if sel.Filter != nil {
		return buildFilterClause(*sel.Filter, args)
	}
	return "", fmt.Errorf("%w: empty selector", ErrInvalidArgument)
}

// UpdateMeta patches non-content fields on the selected records, bypassing
// versioning. Deleted rows are never touched; retention stays caller-owned
// here only for explicit overrides (the decay maintainer uses it too).
func (s *SQLiteStore) UpdateMeta(ctx context.Context, sel Selector, patch MetaPatch) (int64, error) {
	sets := []string{}
	args := []any{}
	if patch.Status != nil {
		if *patch.Status == StatusDeleted {
			return 0, fmt.Errorf("%w: use delete for status=deleted", ErrInvalidArgument)
		}
		if !validStatus(*patch.Status) {
			return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, *patch.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, boolToInt(*patch.Pinned))
	}
	if patch.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, clamp01(*patch.Importance))
	}
	if patch.Strength != nil {
		sets = append(sets, "strength = ?")
		args = append(args, clamp01(*patch.Strength))
	}
	if patch.Retention != nil {
		sets = append(sets, "retention = ?")
		args = append(args, clamp01(*patch.Retention))
	}
	if patch.MemoryType != nil {
		if !validMemoryType(*patch.MemoryType) {
			return 0, fmt.Errorf("%w: unknown memory type %q", ErrInvalidArgument, *patch.MemoryType)
		}
		sets = append(sets, "memory_type = ?")
		args = append(args, string(*patch.MemoryType))
	}
	if patch.Source != nil {
		sets = append(sets, "source = ?")
		args = append(args, *patch.Source)
	}
	if len(sets) == 0 {
		return 0, fmt.Errorf("%w: empty meta patch", ErrInvalidArgument)
	}
	sets = append(sets, "updated_at_ms = ?")
	args = append(args, nowMS())

	where, err := selectorClause(sel, &args)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE memory_records
SET `+strings.Join(sets, ", ")+`
WHERE (`+where+`) AND status != ?`, append(args, string(StatusDeleted))...)
	if err != nil {
		return 0, fmt.Errorf("update memory meta: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteRecords soft-deletes the selected records. Deleting an already
// deleted rowid is a no-op, not an error.
func (s *SQLiteStore) DeleteRecords(ctx context.Context, sel Selector) (int64, error) {
	args := []any{string(StatusDeleted), nowMS()}
	where, err := selectorClause(sel, &args)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_records
SET status = ?, updated_at_ms = ?
WHERE (`+where+`) AND status != ?`, append(args, string(StatusDeleted))...)
	if err != nil {
		return 0, fmt.Errorf("delete memory records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BumpAccess applies the read-through side effect for retrieved records:
// access count, last-accessed timestamp and a bounded strength nudge.
// Best-effort by contract; callers may drop the error.
func (s *SQLiteStore) BumpAccess(ctx context.Context, rowids []int64) error {
	if len(rowids) == 0 {
		return nil
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(rowids)), ",")
	args := []any{nowMS()}
	for _, id := range rowids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_records
SET access_count = access_count + 1,
	last_accessed_ms = ?,
	strength = MIN(1.0, strength + 0.02 * (1.0 - strength))
WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return fmt.Errorf("bump access: %w", err)
	}
	return nil
}

// Stats reports record counts and index coverage.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	out := Stats{ByStatus: map[string]int64{}, ByType: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM memory_records GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("stats scan: %w", err)
		}
		out.ByStatus[k] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT memory_type, COUNT(*) FROM memory_records WHERE status != ? GROUP BY memory_type`, string(StatusDeleted))
	if err != nil {
		return Stats{}, fmt.Errorf("stats by type: %w", err)
	}
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("stats scan: %w", err)
		}
		out.ByType[k] = n
	}
	rows.Close()

	singles := []struct {
		dst   *int64
		query string
	}{
		{&out.Tagged, `SELECT COUNT(*) FROM memory_records WHERE status = 'active' AND tagged_at_ms > 0`},
		{&out.Embedded, `SELECT COUNT(*) FROM record_embeddings`},
		{&out.Extracted, `SELECT COUNT(*) FROM memory_records WHERE status = 'active' AND extracted_at_ms > 0`},
		{&out.Entities, `SELECT COUNT(*) FROM kg_entities`},
		{&out.Relations, `SELECT COUNT(*) FROM kg_relations`},
		{&out.Conflicts, `SELECT COUNT(*) FROM memory_conflicts WHERE status = 'open'`},
	}
	for _, q := range singles {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("stats count: %w", err)
		}
	}
	return out, nil
}

// PurgeDeleted physically removes records soft-deleted before the horizon,
// together with their now-orphaned versions, conflicts and index state.
func (s *SQLiteStore) PurgeDeleted(ctx context.Context, olderThan time.Time) (PurgeReport, error) {
	horizon := olderThan.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeReport{}, fmt.Errorf("purge begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM memory_records WHERE status = ? AND updated_at_ms <= ?`, string(StatusDeleted), horizon)
	if err != nil {
		return PurgeReport{}, fmt.Errorf("purge select: %w", err)
	}
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return PurgeReport{}, fmt.Errorf("purge scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return PurgeReport{}, tx.Commit()
	}

	ph := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	report := PurgeReport{Records: len(ids)}
	res, err := tx.ExecContext(ctx, `DELETE FROM memory_versions WHERE memory_id IN (`+ph+`)`, args...)
	if err != nil {
		return PurgeReport{}, fmt.Errorf("purge versions: %w", err)
	}
	n, _ := res.RowsAffected()
	report.Versions = int(n)

	res, err = tx.ExecContext(ctx, `DELETE FROM memory_conflicts WHERE memory_id IN (`+ph+`)`, args...)
	if err != nil {
		return PurgeReport{}, fmt.Errorf("purge conflicts: %w", err)
	}
	n, _ = res.RowsAffected()
	report.Conflicts = int(n)

	for _, table := range []string{"record_tags", "kg_mentions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE record_id IN (`+ph+`)`, args...); err != nil {
			return PurgeReport{}, fmt.Errorf("purge %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_embeddings WHERE record_id IN (`+ph+`)`, args...); err != nil {
		return PurgeReport{}, fmt.Errorf("purge embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE id IN (`+ph+`)`, args...); err != nil {
		return PurgeReport{}, fmt.Errorf("purge records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PurgeReport{}, fmt.Errorf("purge commit: %w", err)
	}
	return report, nil
}
