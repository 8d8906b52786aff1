package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// KGSettings controls the knowledge-graph extractor.
type KGSettings struct {
	Enabled bool
	// BatchSize stays tiny: every item costs one LLM call.
	BatchSize int
	// IncludeMessages also extracts from the raw chat log, not just
	// committed memory records.
	IncludeMessages bool
}

func DefaultKGSettings() KGSettings {
	return KGSettings{Enabled: true, BatchSize: 3, IncludeMessages: false}
}

const kgExtractionPrompt = `You extract knowledge graph facts from text.
Return strictly valid JSON, nothing else, with this shape:
{"entities":[{"name":"...","type":"person|place|organization|thing|concept"}],"relations":[{"subject":"...","relation":"...","object":"..."}]}
Only include entities actually named in the text. Relation subjects and
objects must appear in the entities list. Return {"entities":[],"relations":[]}
when the text contains no extractable facts.`

type extraction struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
	Relations []struct {
		Subject  string `json:"subject"`
		Relation string `json:"relation"`
		Object   string `json:"object"`
	} `json:"relations"`
}

// parseExtraction tolerates code fences and prose around the JSON object.
func parseExtraction(raw string) (extraction, error) {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	var out extraction
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return extraction{}, fmt.Errorf("%w: extraction response not JSON: %v", ErrExternalService, err)
	}
	return out, nil
}

// extractInto runs one extraction call and writes the results into the
// graph tables, linked back to the originating record rowid (0 for raw
// chat messages).
func extractInto(ctx context.Context, store *SQLiteStore, client *AIClient, content string, rowid int64) error {
	reply, err := client.Complete(ctx, kgExtractionPrompt, content)
	if err != nil {
		return err
	}
	ext, err := parseExtraction(reply)
	if err != nil {
		return err
	}

	byName := map[string]Entity{}
	for _, e := range ext.Entities {
		ent, err := store.UpsertEntity(ctx, e.Name, e.Type)
		if err != nil {
			return fmt.Errorf("kg entity: %w", err)
		}
		byName[strings.ToLower(ent.Name)] = ent
		if rowid > 0 {
			if err := store.LinkMention(ctx, ent.ID, rowid); err != nil {
				return fmt.Errorf("kg mention: %w", err)
			}
		}
	}
	for _, r := range ext.Relations {
		subj, okS := byName[strings.ToLower(strings.TrimSpace(r.Subject))]
		obj, okO := byName[strings.ToLower(strings.TrimSpace(r.Object))]
		if !okS || !okO || strings.TrimSpace(r.Relation) == "" {
			continue
		}
		if err := store.InsertRelation(ctx, subj.ID, r.Relation, obj.ID, rowid); err != nil {
			return fmt.Errorf("kg relation: %w", err)
		}
	}
	return nil
}

// runKGBatch extracts entities/relations from one batch of unprocessed
// records, plus raw chat messages when configured. Failed items are marked
// processed anyway and counted as skipped: retrying the same bad item on
// every tick would starve the rest of the backlog.
func runKGBatch(ctx context.Context, store *SQLiteStore, client *AIClient, settings KGSettings) (KGReport, error) {
	if settings.BatchSize <= 0 {
		settings.BatchSize = DefaultKGSettings().BatchSize
	}
	var report KGReport

	records, err := store.UnextractedBatch(ctx, settings.BatchSize)
	if err != nil {
		return report, fmt.Errorf("kg maintenance: %w", err)
	}
	for _, rec := range records {
		report.Scanned++
		if err := extractInto(ctx, store, client, rec.Content, rec.Rowid); err != nil {
			report.Skipped++
			report.Error = err.Error()
		} else {
			report.Extracted++
		}
		if err := store.MarkExtracted(ctx, rec.Rowid); err != nil {
			return report, fmt.Errorf("kg maintenance mark: %w", err)
		}
	}

	if settings.IncludeMessages && len(records) < settings.BatchSize {
		messages, err := store.UnextractedMessages(ctx, settings.BatchSize-len(records))
		if err != nil {
			return report, fmt.Errorf("kg maintenance messages: %w", err)
		}
		for _, msg := range messages {
			report.Scanned++
			if err := extractInto(ctx, store, client, msg.Content, 0); err != nil {
				report.Skipped++
				report.Error = err.Error()
			} else {
				report.Extracted++
			}
			if err := store.MarkMessageExtracted(ctx, msg.ID); err != nil {
				return report, fmt.Errorf("kg maintenance mark message: %w", err)
			}
		}
	}
	return report, nil
}
