package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_InsertScopeConsistency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.InsertRecord(ctx, MemoryRecord{Content: "likes tea"})
	if err != nil {
		t.Fatalf("insert shared: %v", err)
	}
	if rec.Scope != ScopeShared || rec.PersonaID != "" {
		t.Fatalf("expected derived shared scope, got %s/%q", rec.Scope, rec.PersonaID)
	}

	rec, err = store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "likes coffee"})
	if err != nil {
		t.Fatalf("insert persona: %v", err)
	}
	if rec.Scope != ScopePersona {
		t.Fatalf("expected derived persona scope, got %s", rec.Scope)
	}

	_, err = store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Scope: ScopeShared, Content: "bad"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for shared scope with persona, got %v", err)
	}
	_, err = store.InsertRecord(ctx, MemoryRecord{Scope: ScopePersona, Content: "bad"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for persona scope without persona, got %v", err)
	}
}

func TestSQLiteStore_ListFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "luna fact", MemoryType: TypeSemantic}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := store.InsertRecord(ctx, MemoryRecord{Content: "shared fact", MemoryType: TypePreference}); err != nil {
		t.Fatalf("insert shared: %v", err)
	}

	total, items, err := store.ListRecords(ctx, RecordFilter{PersonaID: "luna"}, "", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("expected total 5 page 2, got total %d page %d", total, len(items))
	}

	total, items, err = store.ListRecords(ctx, RecordFilter{PersonaID: "luna", Scope: FilterScopeAll}, "", 50, 0)
	if err != nil {
		t.Fatalf("list all scope: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected 6 visible with shared, got %d", total)
	}

	total, _, err = store.ListRecords(ctx, RecordFilter{MemoryType: TypePreference}, "", 50, 0)
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 preference, got %d", total)
	}

	if _, _, err := store.ListRecords(ctx, RecordFilter{}, "bogus", 10, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown order, got %v", err)
	}
	_ = items
}

func TestSQLiteStore_SoftDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.InsertRecord(ctx, MemoryRecord{Content: "ephemeral"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := store.DeleteRecords(ctx, Selector{Rowids: []int64{rec.Rowid}})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}

	n, err = store.DeleteRecords(ctx, Selector{Rowids: []int64{rec.Rowid}})
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected idempotent delete to report 0, got %d", n)
	}

	if _, err := store.GetRecord(ctx, rec.Rowid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted record, got %v", err)
	}
}

func TestSQLiteStore_UpdateMeta(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.InsertRecord(ctx, MemoryRecord{Content: "meta target"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	pinned := true
	importance := 0.9
	n, err := store.UpdateMeta(ctx, Selector{Rowids: []int64{rec.Rowid}}, MetaPatch{Pinned: &pinned, Importance: &importance})
	if err != nil {
		t.Fatalf("update meta: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 updated, got %d", n)
	}

	got, err := store.GetRecord(ctx, rec.Rowid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Pinned || got.Importance != 0.9 {
		t.Fatalf("meta patch not applied: %#v", got)
	}

	deleted := StatusDeleted
	if _, err := store.UpdateMeta(ctx, Selector{Rowids: []int64{rec.Rowid}}, MetaPatch{Status: &deleted}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for status=deleted patch, got %v", err)
	}
	if _, err := store.UpdateMeta(ctx, Selector{Rowids: []int64{rec.Rowid}}, MetaPatch{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty patch, got %v", err)
	}
}

func TestSQLiteStore_BumpAccess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.InsertRecord(ctx, MemoryRecord{Content: "bump me"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.BumpAccess(ctx, []int64{rec.Rowid}); err != nil {
		t.Fatalf("bump: %v", err)
	}
	got, err := store.GetRecord(ctx, rec.Rowid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount != 1 || got.LastAccessedAt.IsZero() {
		t.Fatalf("expected access side effects, got count=%d last=%v", got.AccessCount, got.LastAccessedAt)
	}
	if got.Strength <= rec.Strength || got.Strength > 1 {
		t.Fatalf("expected bounded strength nudge, got %f -> %f", rec.Strength, got.Strength)
	}
}

func TestSQLiteStore_PurgeDeleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.InsertRecord(ctx, MemoryRecord{Content: "purge target"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.UpdateContent(ctx, rec.Rowid, "edited once", "edit", "manual"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.DeleteRecords(ctx, Selector{Rowids: []int64{rec.Rowid}}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	report, err := store.PurgeDeleted(ctx, msToTime(nowMS()+1))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if report.Records != 1 || report.Versions != 1 {
		t.Fatalf("expected 1 record and 1 version purged, got %+v", report)
	}

	versions, err := store.ListVersions(ctx, rec.Rowid, 10)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected orphaned versions removed, got %d", len(versions))
	}
}

func TestSQLiteStore_FTSStaysInSyncAcrossContentWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.InsertRecord(ctx, MemoryRecord{Content: "drinks espresso daily"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := store.SearchFTS(ctx, "", true, `"espresso"`, 10)
	if err != nil {
		t.Fatalf("search before update: %v", err)
	}
	if len(hits) != 1 || hits[0].Rowid != rec.Rowid {
		t.Fatalf("expected initial content indexed, got %+v", hits)
	}

	if _, err := store.UpdateContent(ctx, rec.Rowid, "switched to matcha", "edit", "manual"); err != nil {
		t.Fatalf("update content: %v", err)
	}

	hits, err = store.SearchFTS(ctx, "", true, `"espresso"`, 10)
	if err != nil {
		t.Fatalf("search old term: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("old content must leave the index, got %+v", hits)
	}
	hits, err = store.SearchFTS(ctx, "", true, `"matcha"`, 10)
	if err != nil {
		t.Fatalf("search new term: %v", err)
	}
	if len(hits) != 1 || hits[0].Rowid != rec.Rowid {
		t.Fatalf("expected new content indexed, got %+v", hits)
	}

	// Physical removal fires the delete trigger and drops the index row.
	if _, err := store.DeleteRecords(ctx, Selector{Rowids: []int64{rec.Rowid}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.PurgeDeleted(ctx, msToTime(nowMS()+1)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	var ftsRows int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM memory_records_fts WHERE record_id = ?`, rec.Rowid).Scan(&ftsRows); err != nil {
		t.Fatalf("count fts rows: %v", err)
	}
	if ftsRows != 0 {
		t.Fatalf("expected fts row removed with the record, got %d", ftsRows)
	}
}

func TestSQLiteStore_WeightDefaultsAndExplicitZero(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	defaulted, err := store.InsertRecord(ctx, MemoryRecord{Content: "no weights given"})
	if err != nil {
		t.Fatalf("insert defaulted: %v", err)
	}
	if defaulted.Importance != 0.5 || defaulted.Strength != 0.5 {
		t.Fatalf("unset weights must default to 0.5, got %+v", defaulted)
	}

	// Negative input is the documented way to store the 0 boundary.
	floored, err := store.InsertRecord(ctx, MemoryRecord{Content: "zero weights", Importance: -1, Strength: -1})
	if err != nil {
		t.Fatalf("insert floored: %v", err)
	}
	if floored.Importance != 0 || floored.Strength != 0 {
		t.Fatalf("negative weights must clamp to 0, got %+v", floored)
	}

	// The meta patch sets 0 directly, pointer fields distinguish unset.
	zero := 0.0
	if _, err := store.UpdateMeta(ctx, Selector{Rowids: []int64{defaulted.Rowid}}, MetaPatch{Importance: &zero}); err != nil {
		t.Fatalf("update meta: %v", err)
	}
	got, err := store.GetRecord(ctx, defaulted.Rowid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Importance != 0 {
		t.Fatalf("expected importance patched to 0, got %f", got.Importance)
	}
}
