package memory

import (
	"context"
	"fmt"
	"math"
	"time"
)

// DecayPolicy tunes the retention curve and archival threshold.
type DecayPolicy struct {
	// BaseHalfLifeDays is the half-life of an average record before
	// importance/strength/access weighting.
	BaseHalfLifeDays float64
	// ArchiveThreshold archives a record once retention falls below it.
	ArchiveThreshold float64
	BatchSize        int
}

func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{
		BaseHalfLifeDays: 14,
		ArchiveThreshold: 0.05,
		BatchSize:        200,
	}
}

// computeRetention is an exponential forgetting curve: idle time shrinks
// retention, while importance, strength and access history stretch the
// half-life. Decreasing in idle time, increasing in every weight factor.
func computeRetention(rec MemoryRecord, now time.Time, policy DecayPolicy) float64 {
	anchor := rec.LastAccessedAt
	if anchor.IsZero() {
		anchor = rec.CreatedAt
	}
	idleDays := now.Sub(anchor).Hours() / 24
	if idleDays < 0 {
		idleDays = 0
	}
	halfLife := policy.BaseHalfLifeDays * (1 + 2*rec.Importance + rec.Strength + math.Log1p(float64(rec.AccessCount))/4)
	if halfLife <= 0 {
		halfLife = policy.BaseHalfLifeDays
	}
	return clamp01(math.Exp2(-idleDays / halfLife))
}

// runRetentionSweep recomputes retention for every active, non-pinned
// record in bounded batches and archives the ones that decayed below the
// threshold. Pinned records are excluded at the scan, so maintenance never
// touches their status.
func runRetentionSweep(ctx context.Context, store *SQLiteStore, policy DecayPolicy, now time.Time) (RetentionReport, error) {
	if policy.BatchSize <= 0 {
		policy.BatchSize = DefaultDecayPolicy().BatchSize
	}
	if policy.ArchiveThreshold <= 0 {
		policy.ArchiveThreshold = DefaultDecayPolicy().ArchiveThreshold
	}
	if policy.BaseHalfLifeDays <= 0 {
		policy.BaseHalfLifeDays = DefaultDecayPolicy().BaseHalfLifeDays
	}

	var report RetentionReport
	afterID := int64(0)
	for {
		batch, err := store.ActiveDecayBatch(ctx, afterID, policy.BatchSize)
		if err != nil {
			return report, fmt.Errorf("retention sweep: %w", err)
		}
		if len(batch) == 0 {
			return report, nil
		}
		for _, rec := range batch {
			afterID = rec.Rowid
			report.Scanned++
			retention := computeRetention(rec, now, policy)
			archive := retention < policy.ArchiveThreshold
			if err := store.SetRetention(ctx, rec.Rowid, retention, archive); err != nil {
				return report, fmt.Errorf("retention sweep record %d: %w", rec.Rowid, err)
			}
			report.Updated++
			if archive {
				report.Archived++
			}
		}
	}
}
