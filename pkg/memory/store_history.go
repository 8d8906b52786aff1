package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ListVersions returns the content transition log for a record, newest first.
func (s *SQLiteStore) ListVersions(ctx context.Context, rowid int64, limit int) ([]VersionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, memory_id, old_content, new_content, reason, source, created_at_ms
FROM memory_versions
WHERE memory_id = ?
ORDER BY created_at_ms DESC, id DESC
LIMIT ?`, rowid, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := []VersionRecord{}
	for rows.Next() {
		var v VersionRecord
		var ms int64
		if err := rows.Scan(&v.ID, &v.MemoryRowid, &v.OldContent, &v.NewContent, &v.Reason, &v.Source, &ms); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.CreatedAt = msToTime(ms)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

// RollbackVersion restores a record to the content it held before the given
// version was applied. The rollback itself is recorded as a new version, so
// the ledger stays append-only.
func (s *SQLiteStore) RollbackVersion(ctx context.Context, versionID int64) (MemoryRecord, error) {
	var memoryID int64
	var oldContent string
	err := s.db.QueryRowContext(ctx, `
SELECT memory_id, old_content FROM memory_versions WHERE id = ?`, versionID).Scan(&memoryID, &oldContent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryRecord{}, fmt.Errorf("%w: version %d", ErrNotFound, versionID)
		}
		return MemoryRecord{}, fmt.Errorf("rollback read version: %w", err)
	}
	return s.UpdateContent(ctx, memoryID, oldContent, fmt.Sprintf("rollback to version %d", versionID), "rollback")
}

// InsertConflict records a detected tension for later resolution.
func (s *SQLiteStore) InsertConflict(ctx context.Context, c ConflictRecord) (ConflictRecord, error) {
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO memory_conflicts(memory_id, base_persona_id, base_scope, base_content, base_memory_type,
	cand_content, cand_source, cand_importance, cand_strength, cand_memory_type,
	conflict_type, suggested_merge, status, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.MemoryRowid, c.BasePersonaID, string(c.BaseScope), c.BaseContent, string(c.BaseMemoryType),
		c.CandidateContent, c.CandidateSource, c.CandidateImportance, c.CandidateStrength, string(c.CandidateMemoryType),
		string(c.ConflictType), c.SuggestedMerge, ConflictOpen, now)
	if err != nil {
		return ConflictRecord{}, fmt.Errorf("insert conflict: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ConflictRecord{}, fmt.Errorf("insert conflict id: %w", err)
	}
	c.ID = id
	c.Status = ConflictOpen
	c.CreatedAt = msToTime(now)
	return c, nil
}

const conflictColumns = `id, memory_id, base_persona_id, base_scope, base_content, base_memory_type,
	cand_content, cand_source, cand_importance, cand_strength, cand_memory_type,
	conflict_type, suggested_merge, status, resolution, resolved_at_ms, created_at_ms`

func scanConflict(row rowScanner) (ConflictRecord, error) {
	var c ConflictRecord
	var baseScope, baseType, candType, conflictType string
	var resolvedMS, createdMS int64
	if err := row.Scan(
		&c.ID, &c.MemoryRowid, &c.BasePersonaID, &baseScope, &c.BaseContent, &baseType,
		&c.CandidateContent, &c.CandidateSource, &c.CandidateImportance, &c.CandidateStrength, &candType,
		&conflictType, &c.SuggestedMerge, &c.Status, &c.Resolution, &resolvedMS, &createdMS,
	); err != nil {
		return ConflictRecord{}, err
	}
	c.BaseScope = Scope(baseScope)
	c.BaseMemoryType = MemoryType(baseType)
	c.CandidateMemoryType = MemoryType(candType)
	c.ConflictType = ConflictType(conflictType)
	c.ResolvedAt = msToTime(resolvedMS)
	c.CreatedAt = msToTime(createdMS)
	return c, nil
}

// ListConflicts pages through the conflict ledger for one persona's view.
func (s *SQLiteStore) ListConflicts(ctx context.Context, personaID string, scope ScopeFilter, status string, limit, offset int) (int, []ConflictRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	conds := []string{}
	args := []any{}
	switch scope {
	case FilterScopePersona, "":
		conds = append(conds, "base_persona_id = ?")
		args = append(args, personaID)
	case FilterScopeShared:
		conds = append(conds, "base_scope = ?")
		args = append(args, string(ScopeShared))
	case FilterScopeAll:
		conds = append(conds, "(base_persona_id = ? OR base_scope = ?)")
		args = append(args, personaID, string(ScopeShared))
	default:
		return 0, nil, fmt.Errorf("%w: unknown scope filter %q", ErrInvalidArgument, scope)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_conflicts WHERE `+where, args...).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count conflicts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+conflictColumns+`
FROM memory_conflicts
WHERE `+where+`
ORDER BY created_at_ms DESC, id DESC
LIMIT ? OFFSET ?`, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return 0, nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := []ConflictRecord{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return 0, nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return total, out, nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id int64) (ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM memory_conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConflictRecord{}, fmt.Errorf("%w: conflict %d", ErrNotFound, id)
		}
		return ConflictRecord{}, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

// ResolveConflict applies the caller's decision to an open conflict and
// closes it. Resolution is one-way: a conflict that already left the open
// state rejects any further action with ErrInvalidState.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id int64, action ResolveAction, mergedContent string) (ResolveResult, error) {
	if action == ResolveMerge && strings.TrimSpace(mergedContent) == "" {
		return ResolveResult{}, fmt.Errorf("%w: merge without merged content", ErrInvalidArgument)
	}
	switch action {
	case ResolveAccept, ResolveKeepBoth, ResolveMerge, ResolveIgnore:
	default:
		return ResolveResult{}, fmt.Errorf("%w: unknown resolve action %q", ErrInvalidArgument, action)
	}

	c, err := s.GetConflict(ctx, id)
	if err != nil {
		return ResolveResult{}, err
	}
	if c.Status != ConflictOpen {
		return ResolveResult{}, fmt.Errorf("%w: conflict %d already %s", ErrInvalidState, id, c.Status)
	}

	result := ResolveResult{OK: true}
	switch action {
	case ResolveAccept:
		rowid, err := s.applyConflictContent(ctx, c, c.CandidateContent, "conflict accepted")
		if err != nil {
			return ResolveResult{}, err
		}
		result.UpdatedRowid = rowid
	case ResolveMerge:
		rowid, err := s.applyConflictContent(ctx, c, mergedContent, "conflict merged")
		if err != nil {
			return ResolveResult{}, err
		}
		result.UpdatedRowid = rowid
	case ResolveKeepBoth:
		rec, err := s.InsertRecord(ctx, MemoryRecord{
			PersonaID:  c.BasePersonaID,
			Scope:      c.BaseScope,
			Content:    c.CandidateContent,
			MemoryType: c.CandidateMemoryType,
			Source:     c.CandidateSource,
			Importance: c.CandidateImportance,
			Strength:   c.CandidateStrength,
		})
		if err != nil {
			return ResolveResult{}, fmt.Errorf("resolve keepBoth insert: %w", err)
		}
		result.CreatedRowid = rec.Rowid
	case ResolveIgnore:
		// No record mutation.
	}

	status := ConflictResolved
	if action == ResolveIgnore {
		status = ConflictIgnored
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE memory_conflicts
SET status = ?, resolution = ?, resolved_at_ms = ?
WHERE id = ? AND status = ?`, status, string(action), nowMS(), id, ConflictOpen); err != nil {
		return ResolveResult{}, fmt.Errorf("close conflict: %w", err)
	}
	return result, nil
}

// applyConflictContent writes the winning content onto the base record, or
// re-inserts it when the base was deleted after detection, so a resolution
// decision is never silently lost.
func (s *SQLiteStore) applyConflictContent(ctx context.Context, c ConflictRecord, content, reason string) (int64, error) {
	rec, err := s.UpdateContent(ctx, c.MemoryRowid, content, reason, c.CandidateSource)
	if err == nil {
		return rec.Rowid, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("resolve conflict apply: %w", err)
	}
	rec, err = s.InsertRecord(ctx, MemoryRecord{
		PersonaID:  c.BasePersonaID,
		Scope:      c.BaseScope,
		Content:    content,
		MemoryType: c.CandidateMemoryType,
		Source:     c.CandidateSource,
		Importance: c.CandidateImportance,
		Strength:   c.CandidateStrength,
	})
	if err != nil {
		return 0, fmt.Errorf("resolve conflict reinsert: %w", err)
	}
	return rec.Rowid, nil
}
