package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/internal/domain"
)

func TestLoadMissingFileYieldsEmptyState(t *testing.T) {
	t.Parallel()

	st := Load(filepath.Join(t.TempDir(), "nope.json"), nil)
	require.NotNil(t, st)
	assert.Empty(t, st.Sources)
}

func TestLoadCorruptFileYieldsEmptyState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	st := Load(path, nil)
	require.NotNil(t, st)
	assert.Empty(t, st.Sources)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")

	st := New()
	ss := st.Source("https://example.org/feed")
	ss.MarkSeen("a")
	ss.MarkSeen("b")
	ss.RecordOutcomes(3, 1, 1, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, st.Save(path))

	loaded := Load(path, nil)
	got := loaded.Source("https://example.org/feed")
	assert.True(t, got.HasSeen("a"))
	assert.True(t, got.HasSeen("b"))
	assert.False(t, got.HasSeen("c"))
	require.NotNil(t, got.Stats)
	assert.Equal(t, 5, got.Stats.Total)
	assert.Equal(t, 3, got.Stats.Kept)
	assert.InDelta(t, 0.6, got.Stats.QualityRatio, 1e-9)
}

func TestPartitionMarksAndFiltersSeen(t *testing.T) {
	t.Parallel()

	st := New()
	st.Source("src").MarkSeen("x")

	items := []domain.Item{
		{ID: "x", Title: "changed content, same id"},
		{ID: "y"},
		{ID: "z"},
	}

	fresh := st.Partition("src", items)
	require.Len(t, fresh, 2)
	assert.Equal(t, "y", fresh[0].ID)
	assert.Equal(t, "z", fresh[1].ID)

	// Re-partitioning the same set yields nothing: every id was marked.
	assert.Empty(t, st.Partition("src", items))
}

func TestShouldSkipThresholds(t *testing.T) {
	t.Parallel()

	low := &SourceState{Stats: &Stats{Total: 25, Kept: 2, QualityRatio: 0.08}}
	assert.True(t, low.ShouldSkip(20, 0.1))

	// Same ratio but below the sample floor: not skipped.
	small := &SourceState{Stats: &Stats{Total: 15, Kept: 1, QualityRatio: 0.08}}
	assert.False(t, small.ShouldSkip(20, 0.1))

	// No stats yet: never skipped.
	assert.False(t, (&SourceState{}).ShouldSkip(20, 0.1))
}

func TestRecordOutcomesRecoversRatio(t *testing.T) {
	t.Parallel()

	ss := &SourceState{}
	now := time.Now()
	ss.RecordOutcomes(2, 0, 23, now)
	assert.True(t, ss.ShouldSkip(20, 0.1))

	// A strong later run grows the denominator past the threshold again.
	ss.RecordOutcomes(25, 0, 0, now)
	assert.False(t, ss.ShouldSkip(20, 0.1))
}

func TestRecordOutcomesZeroItemsIsNoop(t *testing.T) {
	t.Parallel()

	ss := &SourceState{}
	ss.RecordOutcomes(0, 0, 0, time.Now())
	assert.Nil(t, ss.Stats)
}

func TestSourceIsLazilyCreatedAndRetained(t *testing.T) {
	t.Parallel()

	st := New()
	ss := st.Source("new-source")
	require.NotNil(t, ss)
	assert.Contains(t, st.Sources, "new-source")
	assert.Same(t, ss, st.Source("new-source"))
}
