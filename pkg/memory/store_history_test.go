package memory

import (
	"context"
	"errors"
	"testing"
)

func TestVersions_OnePerContentUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.InsertRecord(ctx, MemoryRecord{Content: "v0"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := store.UpdateContent(ctx, rec.Rowid, "v1", "edit", "manual"); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	if _, err := store.UpdateContent(ctx, rec.Rowid, "v2", "edit", "manual"); err != nil {
		t.Fatalf("update 2: %v", err)
	}

	versions, err := store.ListVersions(ctx, rec.Rowid, 10)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	// Newest first.
	if versions[0].OldContent != "v1" || versions[0].NewContent != "v2" {
		t.Fatalf("unexpected newest version: %+v", versions[0])
	}
}

func TestVersions_RollbackAppendsVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.InsertRecord(ctx, MemoryRecord{Content: "original"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.UpdateContent(ctx, rec.Rowid, "edited", "edit", "manual"); err != nil {
		t.Fatalf("update: %v", err)
	}

	versions, err := store.ListVersions(ctx, rec.Rowid, 10)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}

	restored, err := store.RollbackVersion(ctx, versions[0].ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if restored.Content != "original" {
		t.Fatalf("expected rollback to restore old content, got %q", restored.Content)
	}

	versions, err = store.ListVersions(ctx, rec.Rowid, 10)
	if err != nil {
		t.Fatalf("list versions after rollback: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected rollback to append a version, got %d", len(versions))
	}
	if versions[0].Source != "rollback" {
		t.Fatalf("expected rollback source on newest version, got %q", versions[0].Source)
	}

	if _, err := store.RollbackVersion(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown version, got %v", err)
	}
}

func TestConflicts_ResolutionWorkflow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "用户喜欢喝无糖咖啡", MemoryType: TypePreference})
	if err != nil {
		t.Fatalf("insert base: %v", err)
	}

	conflict, err := store.InsertConflict(ctx, ConflictRecord{
		MemoryRowid:         base.Rowid,
		BasePersonaID:       base.PersonaID,
		BaseScope:           base.Scope,
		BaseContent:         base.Content,
		BaseMemoryType:      base.MemoryType,
		CandidateContent:    "用户不喝咖啡",
		CandidateSource:     SourceAutoExtract,
		CandidateImportance: 0.6,
		CandidateStrength:   0.5,
		CandidateMemoryType: TypePreference,
		ConflictType:        ConflictHard,
	})
	if err != nil {
		t.Fatalf("insert conflict: %v", err)
	}
	if conflict.Status != ConflictOpen {
		t.Fatalf("expected open conflict, got %s", conflict.Status)
	}

	result, err := store.ResolveConflict(ctx, conflict.ID, ResolveAccept, "")
	if err != nil {
		t.Fatalf("resolve accept: %v", err)
	}
	if !result.OK || result.UpdatedRowid != base.Rowid {
		t.Fatalf("unexpected resolve result: %+v", result)
	}

	got, err := store.GetRecord(ctx, base.Rowid)
	if err != nil {
		t.Fatalf("get base: %v", err)
	}
	if got.Content != "用户不喝咖啡" {
		t.Fatalf("expected candidate applied, got %q", got.Content)
	}

	// One-way transition: any second action fails.
	if _, err := store.ResolveConflict(ctx, conflict.ID, ResolveIgnore, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double resolve, got %v", err)
	}
	if _, err := store.ResolveConflict(ctx, 9999, ResolveIgnore, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown conflict, got %v", err)
	}
}

func TestConflicts_KeepBothAndMerge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "drinks tea in the morning", MemoryType: TypePreference})
	if err != nil {
		t.Fatalf("insert base: %v", err)
	}
	mk := func() ConflictRecord {
		c, err := store.InsertConflict(ctx, ConflictRecord{
			MemoryRowid:         base.Rowid,
			BasePersonaID:       base.PersonaID,
			BaseScope:           base.Scope,
			BaseContent:         base.Content,
			BaseMemoryType:      base.MemoryType,
			CandidateContent:    "drinks coffee in the afternoon",
			CandidateMemoryType: TypePreference,
			ConflictType:        ConflictMerge,
		})
		if err != nil {
			t.Fatalf("insert conflict: %v", err)
		}
		return c
	}

	keep := mk()
	result, err := store.ResolveConflict(ctx, keep.ID, ResolveKeepBoth, "")
	if err != nil {
		t.Fatalf("resolve keepBoth: %v", err)
	}
	if result.CreatedRowid == 0 {
		t.Fatalf("expected created rowid, got %+v", result)
	}
	unchanged, err := store.GetRecord(ctx, base.Rowid)
	if err != nil {
		t.Fatalf("get base: %v", err)
	}
	if unchanged.Content != base.Content {
		t.Fatalf("keepBoth must not touch the base, got %q", unchanged.Content)
	}

	merge := mk()
	if _, err := store.ResolveConflict(ctx, merge.ID, ResolveMerge, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for merge without content, got %v", err)
	}
	result, err = store.ResolveConflict(ctx, merge.ID, ResolveMerge, "tea mornings, coffee afternoons")
	if err != nil {
		t.Fatalf("resolve merge: %v", err)
	}
	merged, err := store.GetRecord(ctx, result.UpdatedRowid)
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if merged.Content != "tea mornings, coffee afternoons" {
		t.Fatalf("expected merged content, got %q", merged.Content)
	}
}

func TestConflicts_ListByScopeAndStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "base", MemoryType: TypeOther})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	c, err := store.InsertConflict(ctx, ConflictRecord{
		MemoryRowid:         base.Rowid,
		BasePersonaID:       "luna",
		BaseScope:           ScopePersona,
		BaseContent:         "base",
		BaseMemoryType:      TypeOther,
		CandidateContent:    "candidate",
		CandidateMemoryType: TypeOther,
		ConflictType:        ConflictMerge,
	})
	if err != nil {
		t.Fatalf("insert conflict: %v", err)
	}

	total, items, err := store.ListConflicts(ctx, "luna", FilterScopeAll, ConflictOpen, 10, 0)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != c.ID {
		t.Fatalf("unexpected conflict listing: total=%d items=%d", total, len(items))
	}

	total, _, err = store.ListConflicts(ctx, "other", FilterScopePersona, ConflictOpen, 10, 0)
	if err != nil {
		t.Fatalf("list other persona: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no conflicts for other persona, got %d", total)
	}
}
