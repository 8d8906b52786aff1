package memory

import (
	"context"
	"fmt"
	"math"
)

// VectorSettings controls the embedding maintainer and the vector layer.
type VectorSettings struct {
	Enabled bool
	// BatchSize bounds one maintenance tick.
	BatchSize int
	// ScanWindow bounds how many embedded records one retrieval compares.
	ScanWindow int
	TopK       int
	MinScore   float64
}

func DefaultVectorSettings() VectorSettings {
	return VectorSettings{
		Enabled:    true,
		BatchSize:  16,
		ScanWindow: 500,
		TopK:       10,
		MinScore:   0.35,
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// runVectorBatch embeds one batch of un-embedded records. Each record is
// embedded independently so a single upstream failure is reported as a
// skip, never an aborted batch.
func runVectorBatch(ctx context.Context, store *SQLiteStore, client *AIClient, settings VectorSettings, model string) (VectorReport, error) {
	if settings.BatchSize <= 0 {
		settings.BatchSize = DefaultVectorSettings().BatchSize
	}
	batch, err := store.UnembeddedBatch(ctx, settings.BatchSize)
	if err != nil {
		return VectorReport{}, fmt.Errorf("vector maintenance: %w", err)
	}
	report := VectorReport{Scanned: len(batch)}
	for _, rec := range batch {
		vecs, err := client.Embed(ctx, []string{rec.Content})
		if err != nil {
			report.Skipped++
			report.Error = err.Error()
			continue
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			report.Skipped++
			report.Error = fmt.Sprintf("empty embedding for record %d", rec.Rowid)
			continue
		}
		if err := store.UpsertEmbedding(ctx, rec.Rowid, model, vecs[0]); err != nil {
			return report, fmt.Errorf("vector maintenance store: %w", err)
		}
		report.Embedded++
	}
	return report, nil
}
