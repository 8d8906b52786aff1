package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCollision(t *testing.T) {
	cases := []struct {
		name      string
		base      string
		candidate string
		want      ConflictType
	}{
		{"refinement adds detail", "用户喜欢咖啡", "用户喜欢喝无糖咖啡", ConflictUpdate},
		{"negation flips", "用户喜欢喝无糖咖啡", "用户不喝咖啡", ConflictHard},
		{"english negation flips", "user likes coffee", "user does not like coffee", ConflictHard},
		{"partial overlap merges", "likes hiking on weekends", "likes swimming on weekends", ConflictMerge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, suggested := classifyCollision(MemoryRecord{Content: tc.base}, tc.candidate)
			assert.Equal(t, tc.want, kind)
			if tc.want == ConflictMerge {
				assert.NotEmpty(t, suggested)
			}
		})
	}
}

func TestProcessCandidate_InsertWhenNoCollision(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "用户喜欢喝无糖咖啡", MemoryType: TypePreference})
	require.NoError(t, err)

	outcome, err := processCandidate(ctx, store, MemoryRecord{
		PersonaID:  "luna",
		Content:    "enjoys jazz music",
		MemoryType: TypePreference,
		Source:     SourceAutoExtract,
	}, DefaultConflictPolicy())
	require.NoError(t, err)
	assert.Equal(t, "inserted", outcome.Action)
	assert.NotZero(t, outcome.Rowid)
}

func TestProcessCandidate_ContradictionOpensConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base, err := store.InsertRecord(ctx, MemoryRecord{
		PersonaID:  "luna",
		Content:    "用户喜欢喝无糖咖啡",
		MemoryType: TypePreference,
		Importance: 0.6,
	})
	require.NoError(t, err)

	outcome, err := processCandidate(ctx, store, MemoryRecord{
		PersonaID:  "luna",
		Content:    "用户不喝咖啡",
		MemoryType: TypePreference,
		Source:     SourceAutoExtract,
	}, DefaultConflictPolicy())
	require.NoError(t, err)
	assert.Equal(t, "conflict", outcome.Action)
	require.NotZero(t, outcome.ConflictID)

	conflict, err := store.GetConflict(ctx, outcome.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ConflictHard, conflict.ConflictType)
	assert.Equal(t, ConflictOpen, conflict.Status)
	assert.Equal(t, base.Rowid, conflict.MemoryRowid)

	// The base record stays untouched until the conflict is resolved.
	got, err := store.GetRecord(ctx, base.Rowid)
	require.NoError(t, err)
	assert.Equal(t, "用户喜欢喝无糖咖啡", got.Content)
}

func TestProcessCandidate_RefinementAutoApplies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "用户喜欢咖啡", MemoryType: TypePreference})
	require.NoError(t, err)

	outcome, err := processCandidate(ctx, store, MemoryRecord{
		PersonaID:  "luna",
		Content:    "用户喜欢喝无糖咖啡",
		MemoryType: TypePreference,
		Source:     SourceAutoExtract,
	}, DefaultConflictPolicy())
	require.NoError(t, err)
	assert.Equal(t, "updated", outcome.Action)
	assert.Equal(t, base.Rowid, outcome.Rowid)

	got, err := store.GetRecord(ctx, base.Rowid)
	require.NoError(t, err)
	assert.Equal(t, "用户喜欢喝无糖咖啡", got.Content)

	// Auto-apply goes through versioning like any content write.
	versions, err := store.ListVersions(ctx, base.Rowid, 10)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestProcessCandidate_ScopeIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.InsertRecord(ctx, MemoryRecord{PersonaID: "luna", Content: "用户喜欢喝无糖咖啡", MemoryType: TypePreference})
	require.NoError(t, err)

	// Same contradictory fact under a different persona inserts cleanly.
	outcome, err := processCandidate(ctx, store, MemoryRecord{
		PersonaID:  "nova",
		Content:    "用户不喝咖啡",
		MemoryType: TypePreference,
	}, DefaultConflictPolicy())
	require.NoError(t, err)
	assert.Equal(t, "inserted", outcome.Action)
}

func TestExtractCandidates(t *testing.T) {
	msgs := []struct {
		content string
		want    MemoryType
	}{
		{"我喜欢喝无糖咖啡", TypePreference},
		{"my name is Alice", TypeProfile},
		{"remind me to water the plants", TypeTask},
		{"昨天我去了美术馆", TypeEpisodic},
	}
	for _, m := range msgs {
		got := extractCandidates(ChatMessage{PersonaID: "luna", Role: "user", Content: m.content})
		require.NotEmpty(t, got, "no candidate for %q", m.content)
		assert.Equal(t, m.want, got[0].MemoryType, "content %q", m.content)
		assert.Equal(t, ScopePersona, got[0].Scope)
		assert.Equal(t, SourceAutoExtract, got[0].Source)
	}

	got := extractCandidates(ChatMessage{Role: "user", Content: "ok"})
	assert.Empty(t, got)
}
