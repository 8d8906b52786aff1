package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const personaColumns = `id, name, prompt, capture_enabled, capture_user, capture_assistant, retrieve_enabled, created_at_ms, updated_at_ms`

func scanPersona(row rowScanner) (Persona, error) {
	var p Persona
	var capEnabled, capUser, capAssistant, retrieve int
	var createdMS, updatedMS int64
	if err := row.Scan(&p.ID, &p.Name, &p.Prompt, &capEnabled, &capUser, &capAssistant, &retrieve, &createdMS, &updatedMS); err != nil {
		return Persona{}, err
	}
	p.CaptureEnabled = capEnabled != 0
	p.CaptureUser = capUser != 0
	p.CaptureAssistant = capAssistant != 0
	p.RetrieveEnabled = retrieve != 0
	p.CreatedAt = msToTime(createdMS)
	p.UpdatedAt = msToTime(updatedMS)
	return p, nil
}

// CreatePersona registers a persona. An empty ID gets a generated one; the
// default capture policy records user turns only.
func (s *SQLiteStore) CreatePersona(ctx context.Context, p Persona) (Persona, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Persona{}, fmt.Errorf("%w: empty persona name", ErrInvalidArgument)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := nowMS()
	p.CreatedAt = msToTime(now)
	p.UpdatedAt = msToTime(now)
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO personas(id, name, prompt, capture_enabled, capture_user, capture_assistant, retrieve_enabled, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Prompt,
		boolToInt(p.CaptureEnabled), boolToInt(p.CaptureUser), boolToInt(p.CaptureAssistant), boolToInt(p.RetrieveEnabled),
		now, now); err != nil {
		return Persona{}, fmt.Errorf("create persona: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (Persona, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id)
	p, err := scanPersona(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Persona{}, fmt.Errorf("%w: persona %q", ErrNotFound, id)
		}
		return Persona{}, fmt.Errorf("get persona: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPersonas(ctx context.Context) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+personaColumns+` FROM personas ORDER BY created_at_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	out := []Persona{}
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}
	return out, nil
}

// UpdatePersona overwrites name, prompt and policy flags.
func (s *SQLiteStore) UpdatePersona(ctx context.Context, p Persona) (Persona, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Persona{}, fmt.Errorf("%w: empty persona name", ErrInvalidArgument)
	}
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
UPDATE personas
SET name = ?, prompt = ?, capture_enabled = ?, capture_user = ?, capture_assistant = ?, retrieve_enabled = ?, updated_at_ms = ?
WHERE id = ?`,
		p.Name, p.Prompt,
		boolToInt(p.CaptureEnabled), boolToInt(p.CaptureUser), boolToInt(p.CaptureAssistant), boolToInt(p.RetrieveEnabled),
		now, p.ID)
	if err != nil {
		return Persona{}, fmt.Errorf("update persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Persona{}, fmt.Errorf("%w: persona %q", ErrNotFound, p.ID)
	}
	return s.GetPersona(ctx, p.ID)
}

// DeletePersona removes a persona and reassigns its records to shared
// scope. Records are never cascaded: version and conflict rows keep rowid
// back-references that must stay resolvable.
func (s *SQLiteStore) DeletePersona(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete persona begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: persona %q", ErrNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE memory_records
SET persona_id = '', scope = ?, source = CASE WHEN source = '' THEN 'persona_deleted' ELSE source END, updated_at_ms = ?
WHERE persona_id = ?`, string(ScopeShared), nowMS(), id); err != nil {
		return fmt.Errorf("reassign persona records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete persona commit: %w", err)
	}
	return nil
}
