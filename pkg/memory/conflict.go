package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// ConflictPolicy tunes when an incoming candidate is treated as colliding
// with an existing record, and how the collision is classified. The
// similarity measure is lexical: ASCII word tokens plus individual Han
// characters, compared by overlap coefficient, which keeps detection local
// and synchronous on the write path.
type ConflictPolicy struct {
	// SimilarityThreshold is the minimum overlap coefficient
	// (intersection over the smaller set) that counts as "the same fact".
	SimilarityThreshold float64
	// CandidateScan bounds how many recent same-scope records one
	// detection pass compares against.
	CandidateScan int
}

func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{SimilarityThreshold: 0.45, CandidateScan: 50}
}

// simSet builds the comparison token set: lowercase ASCII/latin words plus
// single Han characters. Short rephrasings of the same fact share most of
// their characters even when bigrams diverge.
func simSet(text string) map[string]bool {
	set := map[string]bool{}
	var word []rune
	flush := func() {
		if len(word) >= 2 {
			tok := strings.ToLower(string(word))
			if !stopwords[tok] {
				set[tok] = true
			}
		}
		word = word[:0]
	}
	for _, r := range text {
		switch {
		case isHan(r):
			flush()
			if !stopwords[string(r)] {
				set[string(r)] = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return set
}

// overlapCoefficient is intersection size over the smaller set size.
func overlapCoefficient(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small := a
	if len(b) < len(small) {
		small = b
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	return float64(inter) / float64(len(small))
}

var negationMarkers = []string{"不", "没", "别再", "再也", " not ", "n't", " no ", "never", "stopped"}

func hasNegation(text string) bool {
	t := " " + strings.ToLower(text) + " "
	for _, m := range negationMarkers {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

// isSuperset reports whether cand covers every base token.
func isSuperset(cand, base map[string]bool) bool {
	if len(cand) <= len(base) {
		return false
	}
	for t := range base {
		if !cand[t] {
			return false
		}
	}
	return true
}

// classifyCollision decides what kind of tension a colliding candidate
// represents. A candidate that keeps everything the base says and adds
// detail is a refinement; disagreeing negation polarity marks mutually
// exclusive facts; anything else is a merge with a suggested joined text.
func classifyCollision(base MemoryRecord, candidate string) (ConflictType, string) {
	baseTokens := simSet(base.Content)
	candTokens := simSet(candidate)

	if isSuperset(candTokens, baseTokens) && hasNegation(candidate) == hasNegation(base.Content) {
		return ConflictUpdate, ""
	}
	if hasNegation(candidate) != hasNegation(base.Content) {
		return ConflictHard, ""
	}
	return ConflictMerge, base.Content + "；" + candidate
}

// CaptureOutcome reports what one candidate ingestion did.
type CaptureOutcome struct {
	// Action is one of inserted, updated, conflict.
	Action     string
	Rowid      int64
	ConflictID int64
}

// processCandidate is the capture write path: insert directly when nothing
// collides, auto-apply refinements, and park everything else in the
// conflict ledger without touching the base record.
func processCandidate(ctx context.Context, store *SQLiteStore, cand MemoryRecord, policy ConflictPolicy) (CaptureOutcome, error) {
	if policy.SimilarityThreshold <= 0 {
		policy.SimilarityThreshold = DefaultConflictPolicy().SimilarityThreshold
	}
	if policy.CandidateScan <= 0 {
		policy.CandidateScan = DefaultConflictPolicy().CandidateScan
	}
	if cand.MemoryType == "" {
		cand.MemoryType = TypeOther
	}
	if cand.Scope == "" {
		if cand.PersonaID == "" {
			cand.Scope = ScopeShared
		} else {
			cand.Scope = ScopePersona
		}
	}

	recent, err := store.ActiveByScopeType(ctx, cand.PersonaID, cand.Scope, cand.MemoryType, policy.CandidateScan)
	if err != nil {
		return CaptureOutcome{}, fmt.Errorf("conflict scan: %w", err)
	}

	candTokens := simSet(cand.Content)
	var best *MemoryRecord
	bestScore := 0.0
	for i := range recent {
		score := overlapCoefficient(candTokens, simSet(recent[i].Content))
		if score > bestScore {
			bestScore = score
			best = &recent[i]
		}
	}

	if best == nil || bestScore < policy.SimilarityThreshold {
		rec, err := store.InsertRecord(ctx, cand)
		if err != nil {
			return CaptureOutcome{}, err
		}
		return CaptureOutcome{Action: "inserted", Rowid: rec.Rowid}, nil
	}

	kind, suggested := classifyCollision(*best, cand.Content)
	if kind == ConflictUpdate {
		rec, err := store.UpdateContent(ctx, best.Rowid, cand.Content, "auto-applied refinement", cand.Source)
		if err != nil {
			return CaptureOutcome{}, err
		}
		return CaptureOutcome{Action: "updated", Rowid: rec.Rowid}, nil
	}

	conflict, err := store.InsertConflict(ctx, ConflictRecord{
		MemoryRowid:         best.Rowid,
		BasePersonaID:       best.PersonaID,
		BaseScope:           best.Scope,
		BaseContent:         best.Content,
		BaseMemoryType:      best.MemoryType,
		CandidateContent:    cand.Content,
		CandidateSource:     cand.Source,
		CandidateImportance: cand.Importance,
		CandidateStrength:   cand.Strength,
		CandidateMemoryType: cand.MemoryType,
		ConflictType:        kind,
		SuggestedMerge:      suggested,
	})
	if err != nil {
		return CaptureOutcome{}, err
	}
	return CaptureOutcome{Action: "conflict", Rowid: best.Rowid, ConflictID: conflict.ID}, nil
}
