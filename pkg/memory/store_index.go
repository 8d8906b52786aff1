package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func encodeVector(vec []float32) (string, error) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return "", fmt.Errorf("encode vector: %w", err)
	}
	return string(raw), nil
}

func decodeVector(raw string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return vec, nil
}

// retrievalScope builds the visibility clause shared by every retrieval
// layer: the persona's own records, optionally plus shared ones, active only.
// alias qualifies column references for joined queries; pass "" otherwise.
func retrievalScope(alias, personaID string, includeShared bool, args *[]any) string {
	if alias != "" {
		alias += "."
	}
	if includeShared {
		*args = append(*args, personaID, string(ScopeShared))
		return alias + `status = 'active' AND (` + alias + `persona_id = ? OR ` + alias + `scope = ?)`
	}
	*args = append(*args, personaID)
	return alias + `status = 'active' AND ` + alias + `persona_id = ?`
}

// SearchFTS runs the full-text layer against the FTS5 mirror.
func (s *SQLiteStore) SearchFTS(ctx context.Context, personaID string, includeShared bool, match string, limit int) ([]MemoryRecord, error) {
	if strings.TrimSpace(match) == "" || limit <= 0 {
		return nil, nil
	}
	args := []any{match}
	scope := retrievalScope("r", personaID, includeShared, &args)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+prefixedRecordColumns("r")+`
FROM memory_records_fts f
JOIN memory_records r ON r.id = f.record_id
WHERE memory_records_fts MATCH ? AND `+scope+`
ORDER BY bm25(memory_records_fts)
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func prefixedRecordColumns(alias string) string {
	cols := strings.Split(recordColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// SearchLike is the fuzzy substring fallback for typos, partial terms and
// CJK text that the unicode61 tokenizer does not segment.
func (s *SQLiteStore) SearchLike(ctx context.Context, personaID string, includeShared bool, terms []string, limit int) ([]MemoryRecord, error) {
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	args := []any{}
	scope := retrievalScope("", personaID, includeShared, &args)
	likes := make([]string, 0, len(terms))
	for _, t := range terms {
		likes = append(likes, "content LIKE ?")
		args = append(args, "%"+t+"%")
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE `+scope+` AND (`+strings.Join(likes, " OR ")+`)
ORDER BY updated_at_ms DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SearchTimeRange pulls records created within the inferred temporal window.
func (s *SQLiteStore) SearchTimeRange(ctx context.Context, personaID string, includeShared bool, from, to time.Time, limit int) ([]MemoryRecord, error) {
	if limit <= 0 || !from.Before(to) {
		return nil, nil
	}
	args := []any{}
	scope := retrievalScope("", personaID, includeShared, &args)
	args = append(args, from.UnixMilli(), to.UnixMilli(), limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE `+scope+` AND created_at_ms >= ? AND created_at_ms < ?
ORDER BY created_at_ms DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("time range search: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecordsWithTags returns records carrying any of the given tags.
func (s *SQLiteStore) RecordsWithTags(ctx context.Context, personaID string, includeShared bool, tags []string, limit int) ([]MemoryRecord, error) {
	if len(tags) == 0 || limit <= 0 {
		return nil, nil
	}
	args := []any{}
	scope := retrievalScope("r", personaID, includeShared, &args)
	ph := strings.TrimRight(strings.Repeat("?,", len(tags)), ",")
	for _, t := range tags {
		args = append(args, t)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT `+prefixedRecordColumns("r")+`
FROM record_tags t
JOIN memory_records r ON r.id = t.record_id
WHERE `+scope+` AND t.tag IN (`+ph+`)
ORDER BY r.updated_at_ms DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("tag search: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// AdjacentTags expands a tag set one hop along the co-occurrence edges,
// strongest links first, capped at fanout.
func (s *SQLiteStore) AdjacentTags(ctx context.Context, tags []string, fanout int) ([]string, error) {
	if len(tags) == 0 || fanout <= 0 {
		return nil, nil
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(tags)), ",")
	args := make([]any, 0, 2*len(tags)+1)
	for _, t := range tags {
		args = append(args, t)
	}
	for _, t := range tags {
		args = append(args, t)
	}
	args = append(args, fanout)
	rows, err := s.db.QueryContext(ctx, `
SELECT tag, MAX(weight) AS w FROM (
	SELECT tag_b AS tag, weight FROM tag_links WHERE tag_a IN (`+ph+`)
	UNION ALL
	SELECT tag_a AS tag, weight FROM tag_links WHERE tag_b IN (`+ph+`)
)
GROUP BY tag
ORDER BY w DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("adjacent tags: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	for _, t := range tags {
		seen[t] = true
	}
	out := []string{}
	for rows.Next() {
		var tag string
		var w float64
		if err := rows.Scan(&tag, &w); err != nil {
			return nil, fmt.Errorf("scan adjacent tag: %w", err)
		}
		if !seen[tag] {
			out = append(out, tag)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate adjacent tags: %w", err)
	}
	return out, nil
}

// UntaggedBatch returns active records whose tag index is stale.
func (s *SQLiteStore) UntaggedBatch(ctx context.Context, batch int) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE status = 'active' AND tagged_at_ms = 0
ORDER BY id ASC
LIMIT ?`, batch)
	if err != nil {
		return nil, fmt.Errorf("untagged batch: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SetRecordTags replaces a record's tag set and strengthens the pairwise
// co-occurrence edges between the new tags.
func (s *SQLiteStore) SetRecordTags(ctx context.Context, rowid int64, tags []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set tags begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_tags WHERE record_id = ?`, rowid); err != nil {
		return fmt.Errorf("set tags clear: %w", err)
	}
	now := nowMS()
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO record_tags(record_id, tag) VALUES(?, ?)`, rowid, tag); err != nil {
			return fmt.Errorf("set tags insert: %w", err)
		}
	}
	for i := 0; i < len(tags); i++ {
		for j := i + 1; j < len(tags); j++ {
			a, b := tags[i], tags[j]
			if a > b {
				a, b = b, a
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO tag_links(tag_a, tag_b, weight, updated_at_ms) VALUES(?, ?, 1, ?)
ON CONFLICT(tag_a, tag_b) DO UPDATE SET weight = weight + 1, updated_at_ms = excluded.updated_at_ms`,
				a, b, now); err != nil {
				return fmt.Errorf("set tags link: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE memory_records SET tagged_at_ms = ? WHERE id = ?`, now, rowid); err != nil {
		return fmt.Errorf("set tags mark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set tags commit: %w", err)
	}
	return nil
}

// UnembeddedBatch returns active records with no stored vector.
func (s *SQLiteStore) UnembeddedBatch(ctx context.Context, batch int) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records r
WHERE r.status = 'active' AND NOT EXISTS (SELECT 1 FROM record_embeddings e WHERE e.record_id = r.id)
ORDER BY r.id ASC
LIMIT ?`, batch)
	if err != nil {
		return nil, fmt.Errorf("unembedded batch: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) UpsertEmbedding(ctx context.Context, rowid int64, model string, vec []float32) error {
	raw, err := encodeVector(vec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO record_embeddings(record_id, model, vector_json, updated_at_ms) VALUES(?, ?, ?, ?)
ON CONFLICT(record_id) DO UPDATE SET model = excluded.model, vector_json = excluded.vector_json, updated_at_ms = excluded.updated_at_ms`,
		rowid, model, raw, nowMS()); err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// EmbeddedRecord pairs a record with its stored vector for the similarity scan.
type EmbeddedRecord struct {
	Record MemoryRecord
	Vector []float32
}

// EmbeddedWindow returns the bounded scan window for the vector layer:
// the most recently touched embedded records in scope.
func (s *SQLiteStore) EmbeddedWindow(ctx context.Context, personaID string, includeShared bool, window int) ([]EmbeddedRecord, error) {
	if window <= 0 {
		return nil, nil
	}
	args := []any{}
	scope := retrievalScope("r", personaID, includeShared, &args)
	args = append(args, window)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+prefixedRecordColumns("r")+`, e.vector_json
FROM record_embeddings e
JOIN memory_records r ON r.id = e.record_id
WHERE `+scope+`
ORDER BY r.updated_at_ms DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("embedded window: %w", err)
	}
	defer rows.Close()

	out := []EmbeddedRecord{}
	for rows.Next() {
		var rec MemoryRecord
		var scopeStr, memType, status string
		var lastMS, createdMS, updatedMS int64
		var pinned int
		var raw string
		if err := rows.Scan(
			&rec.Rowid, &rec.PersonaID, &scopeStr, &rec.Content, &rec.Kind, &rec.Role, &memType, &rec.Source,
			&rec.Importance, &rec.Strength, &rec.AccessCount, &lastMS, &rec.Retention,
			&status, &pinned, &createdMS, &updatedMS, &raw,
		); err != nil {
			return nil, fmt.Errorf("scan embedded record: %w", err)
		}
		rec.Scope = Scope(scopeStr)
		rec.MemoryType = MemoryType(memType)
		rec.Status = RecordStatus(status)
		rec.Pinned = pinned != 0
		rec.LastAccessedAt = msToTime(lastMS)
		rec.CreatedAt = msToTime(createdMS)
		rec.UpdatedAt = msToTime(updatedMS)
		vec, err := decodeVector(raw)
		if err != nil {
			continue
		}
		out = append(out, EmbeddedRecord{Record: rec, Vector: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embedded window: %w", err)
	}
	return out, nil
}

// UnextractedBatch returns active records the graph extractor has not seen.
func (s *SQLiteStore) UnextractedBatch(ctx context.Context, batch int) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE status = 'active' AND extracted_at_ms = 0
ORDER BY id ASC
LIMIT ?`, batch)
	if err != nil {
		return nil, fmt.Errorf("unextracted batch: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLiteStore) MarkExtracted(ctx context.Context, rowid int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE memory_records SET extracted_at_ms = ? WHERE id = ?`, nowMS(), rowid); err != nil {
		return fmt.Errorf("mark extracted: %w", err)
	}
	return nil
}

// UpsertEntity resolves an entity by name, creating it on first mention.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, name, entityType string) (Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entity{}, fmt.Errorf("%w: empty entity name", ErrInvalidArgument)
	}
	id := uuid.NewString()
	now := nowMS()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO kg_entities(id, name, entity_type, created_at_ms) VALUES(?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET entity_type = CASE WHEN excluded.entity_type != '' THEN excluded.entity_type ELSE kg_entities.entity_type END`,
		id, name, entityType, now); err != nil {
		return Entity{}, fmt.Errorf("upsert entity: %w", err)
	}
	var ent Entity
	var createdMS int64
	if err := s.db.QueryRowContext(ctx, `
SELECT id, name, entity_type, created_at_ms FROM kg_entities WHERE name = ?`, name).
		Scan(&ent.ID, &ent.Name, &ent.EntityType, &createdMS); err != nil {
		return Entity{}, fmt.Errorf("read entity: %w", err)
	}
	ent.CreatedAt = msToTime(createdMS)
	return ent, nil
}

func (s *SQLiteStore) LinkMention(ctx context.Context, entityID string, rowid int64) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO kg_mentions(entity_id, record_id) VALUES(?, ?)`, entityID, rowid); err != nil {
		return fmt.Errorf("link mention: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertRelation(ctx context.Context, subjectID, relType, objectID string, rowid int64) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO kg_relations(subject_id, rel_type, object_id, record_id, created_at_ms)
VALUES(?, ?, ?, ?, ?)`, subjectID, relType, objectID, rowid, nowMS()); err != nil {
		return fmt.Errorf("insert relation: %w", err)
	}
	return nil
}

// EntitiesByNames resolves query tokens against known entities, exact
// case-insensitive match.
func (s *SQLiteStore) EntitiesByNames(ctx context.Context, names []string) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(names)), ",")
	args := make([]any, 0, len(names))
	for _, n := range names {
		args = append(args, strings.ToLower(n))
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, entity_type, created_at_ms FROM kg_entities WHERE LOWER(name) IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("entities by name: %w", err)
	}
	defer rows.Close()

	out := []Entity{}
	for rows.Next() {
		var ent Entity
		var createdMS int64
		if err := rows.Scan(&ent.ID, &ent.Name, &ent.EntityType, &createdMS); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		ent.CreatedAt = msToTime(createdMS)
		out = append(out, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// RecordsForEntities pulls records mentioning the given entities, plus
// records one relation hop away.
func (s *SQLiteStore) RecordsForEntities(ctx context.Context, personaID string, includeShared bool, entityIDs []string, limit int) ([]MemoryRecord, error) {
	if len(entityIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(entityIDs)), ",")
	args := []any{}
	scope := retrievalScope("r", personaID, includeShared, &args)
	for i := 0; i < 3; i++ {
		for _, id := range entityIDs {
			args = append(args, id)
		}
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT `+prefixedRecordColumns("r")+`
FROM memory_records r
WHERE `+scope+` AND r.id IN (
	SELECT record_id FROM kg_mentions WHERE entity_id IN (`+ph+`)
	UNION
	SELECT m.record_id FROM kg_relations rel
	JOIN kg_mentions m ON m.entity_id = rel.object_id
	WHERE rel.subject_id IN (`+ph+`)
	UNION
	SELECT m.record_id FROM kg_relations rel
	JOIN kg_mentions m ON m.entity_id = rel.subject_id
	WHERE rel.object_id IN (`+ph+`)
)
ORDER BY r.updated_at_ms DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("records for entities: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// InsertChatMessage appends one raw chat turn to the ingestion log.
func (s *SQLiteStore) InsertChatMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = msToTime(nowMS())
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO chat_messages(persona_id, session_id, message_id, role, content, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`,
		msg.PersonaID, msg.SessionID, msg.MessageID, msg.Role, msg.Content, timeToMS(msg.CreatedAt))
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message id: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// UnextractedMessages returns logged chat turns the graph extractor has not
// processed, oldest first.
func (s *SQLiteStore) UnextractedMessages(ctx context.Context, batch int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, persona_id, session_id, message_id, role, content, created_at_ms
FROM chat_messages
WHERE extracted_at_ms = 0
ORDER BY id ASC
LIMIT ?`, batch)
	if err != nil {
		return nil, fmt.Errorf("unextracted messages: %w", err)
	}
	defer rows.Close()

	out := []ChatMessage{}
	for rows.Next() {
		var m ChatMessage
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.PersonaID, &m.SessionID, &m.MessageID, &m.Role, &m.Content, &createdMS); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.CreatedAt = msToTime(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkMessageExtracted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE chat_messages SET extracted_at_ms = ? WHERE id = ?`, nowMS(), id); err != nil {
		return fmt.Errorf("mark message extracted: %w", err)
	}
	return nil
}

// ActiveDecayBatch pages through active, non-pinned records by rowid for
// the retention maintainer.
func (s *SQLiteStore) ActiveDecayBatch(ctx context.Context, afterID int64, batch int) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE status = 'active' AND pinned = 0 AND id > ?
ORDER BY id ASC
LIMIT ?`, afterID, batch)
	if err != nil {
		return nil, fmt.Errorf("decay batch: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SetRetention persists a recomputed retention score, optionally archiving
// in the same write.
func (s *SQLiteStore) SetRetention(ctx context.Context, rowid int64, retention float64, archive bool) error {
	status := string(StatusActive)
	if archive {
		status = string(StatusArchived)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_records
SET retention = ?, status = ?, updated_at_ms = ?
WHERE id = ? AND status = 'active' AND pinned = 0`, clamp01(retention), status, nowMS(), rowid)
	if err != nil {
		return fmt.Errorf("set retention: %w", err)
	}
	return nil
}

// FindCollision returns the best active same-scope, same-type overlap
// candidate for conflict detection, or sql.ErrNoRows wrapped as not-found.
func (s *SQLiteStore) ActiveByScopeType(ctx context.Context, personaID string, scope Scope, memType MemoryType, limit int) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM memory_records
WHERE status = 'active' AND persona_id = ? AND scope = ? AND memory_type = ?
ORDER BY updated_at_ms DESC
LIMIT ?`, personaID, string(scope), string(memType), limit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("collision scan: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}
