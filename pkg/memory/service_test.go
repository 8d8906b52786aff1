package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/mirrormoon/recall/pkg/config"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.AI.APIBase = ""
	cfg.Retrieval.VectorEnabled = false
	cfg.Reranker.Enabled = false

	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestService_NotReady(t *testing.T) {
	ctx := context.Background()

	var nilSvc *Service
	if _, err := nilSvc.Retrieve(ctx, RetrieveOptions{Query: "x"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("nil service must report ErrNotReady, got %v", err)
	}

	svc := newTestService(t)
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := svc.List(ctx, RecordFilter{}, "", 10, 0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("closed service must report ErrNotReady, got %v", err)
	}
	// Close is idempotent.
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestService_IngestChatMessageCapture(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreatePersona(ctx, Persona{
		ID:              "luna",
		Name:            "Luna",
		CaptureEnabled:  true,
		CaptureUser:     true,
		RetrieveEnabled: true,
	}); err != nil {
		t.Fatalf("create persona: %v", err)
	}

	outcomes, err := svc.IngestChatMessage(ctx, ChatMessage{
		PersonaID: "luna",
		SessionID: "s1",
		Role:      "user",
		Content:   "我喜欢喝无糖咖啡",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Action != "inserted" {
		t.Fatalf("expected one inserted candidate, got %+v", outcomes)
	}

	total, items, err := svc.List(ctx, RecordFilter{PersonaID: "luna", Source: SourceAutoExtract}, "", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || items[0].MemoryType != TypePreference {
		t.Fatalf("expected captured preference, got total=%d items=%+v", total, items)
	}

	// Assistant turns are not captured under the default policy.
	outcomes, err = svc.IngestChatMessage(ctx, ChatMessage{
		PersonaID: "luna",
		Role:      "assistant",
		Content:   "我喜欢这个话题",
	})
	if err != nil {
		t.Fatalf("ingest assistant: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected assistant turn skipped, got %+v", outcomes)
	}
}

func TestService_IngestRespectsCaptureDisabled(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreatePersona(ctx, Persona{
		ID:             "quiet",
		Name:           "Quiet",
		CaptureEnabled: false,
		CaptureUser:    true,
	}); err != nil {
		t.Fatalf("create persona: %v", err)
	}

	outcomes, err := svc.IngestChatMessage(ctx, ChatMessage{PersonaID: "quiet", Role: "user", Content: "我喜欢爬山"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("capture-disabled persona must not capture, got %+v", outcomes)
	}
}

func TestService_MaintenanceGuardSkipsOverlap(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.UpsertManual(ctx, MemoryRecord{Content: "needs tagging"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Simulate an in-flight run: the overlapping call is a no-op.
	svc.tagRunning.Store(true)
	report, err := svc.RunTagMaintenance(ctx, 32)
	if err != nil {
		t.Fatalf("guarded run: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("overlapping run must skip, got %+v", report)
	}
	svc.tagRunning.Store(false)

	report, err = svc.RunTagMaintenance(ctx, 32)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Scanned != 1 || report.Updated != 1 {
		t.Fatalf("expected the backlog processed after guard release, got %+v", report)
	}
}

func TestService_RetrieveDisabledPersona(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.CreatePersona(ctx, Persona{ID: "mute", Name: "Mute", RetrieveEnabled: false}); err != nil {
		t.Fatalf("create persona: %v", err)
	}
	if _, err := svc.UpsertManual(ctx, MemoryRecord{PersonaID: "mute", Content: "hidden fact about coffee"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	result, err := svc.Retrieve(ctx, RetrieveOptions{PersonaID: "mute", Query: "coffee"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Addon != "" || len(result.Records) != 0 {
		t.Fatalf("retrieval-disabled persona must get an empty result, got %+v", result)
	}
}

func TestService_StatsReflectsStore(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.UpsertManual(ctx, MemoryRecord{Content: "stat me", MemoryType: TypeSemantic}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := svc.RunTagMaintenance(ctx, 32); err != nil {
		t.Fatalf("tag maintenance: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByStatus["active"] != 1 || stats.ByType["semantic"] != 1 || stats.Tagged != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
