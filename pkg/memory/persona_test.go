package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPersona_CRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.CreatePersona(ctx, Persona{Name: "  "}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for blank name, got %v", err)
	}

	created, err := store.CreatePersona(ctx, Persona{
		Name:            "Luna",
		Prompt:          "You are Luna.",
		CaptureEnabled:  true,
		CaptureUser:     true,
		RetrieveEnabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated persona id")
	}

	got, err := store.GetPersona(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Luna" || !got.CaptureUser || got.CaptureAssistant {
		t.Fatalf("unexpected persona: %+v", got)
	}

	got.Prompt = "You are Luna, concise."
	got.CaptureAssistant = true
	updated, err := store.UpdatePersona(ctx, got)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Prompt != "You are Luna, concise." || !updated.CaptureAssistant {
		t.Fatalf("update not applied: %+v", updated)
	}

	if _, err := store.UpdatePersona(ctx, Persona{ID: "ghost", Name: "Ghost"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown persona, got %v", err)
	}

	all, err := store.ListPersonas(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 persona, got %d", len(all))
	}
}

func TestPersona_DeleteReassignsRecordsToShared(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p, err := store.CreatePersona(ctx, Persona{Name: "Nova"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	owned, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: p.ID, Content: "owned fact"})
	if err != nil {
		t.Fatalf("insert owned: %v", err)
	}
	shared, err := store.InsertRecord(ctx, MemoryRecord{Content: "already shared"})
	if err != nil {
		t.Fatalf("insert shared: %v", err)
	}

	if err := store.DeletePersona(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetPersona(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected persona gone, got %v", err)
	}
	if err := store.DeletePersona(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	// The orphaned record survives under shared scope.
	got, err := store.GetRecord(ctx, owned.Rowid)
	if err != nil {
		t.Fatalf("get owned: %v", err)
	}
	if got.PersonaID != "" || got.Scope != ScopeShared {
		t.Fatalf("expected record reassigned to shared, got %+v", got)
	}

	got, err = store.GetRecord(ctx, shared.Rowid)
	if err != nil {
		t.Fatalf("get shared: %v", err)
	}
	if got.Scope != ScopeShared {
		t.Fatalf("pre-existing shared record must be untouched, got %+v", got)
	}
}
