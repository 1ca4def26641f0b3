package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"feedsync/internal/domain"
)

// Stats holds rolling classification outcomes for one source. QualityRatio is
// kept/total and drives the skip decision on subsequent runs.
type Stats struct {
	Total         int       `json:"total"`
	Kept          int       `json:"kept"`
	Deprioritized int       `json:"deprioritized"`
	Ignored       int       `json:"ignored"`
	QualityRatio  float64   `json:"qualityRatio"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// SourceState is the persisted dedup ledger plus quality statistics for one
// source. The seen set records every id that has been considered, not just
// ids that were successfully published.
type SourceState struct {
	Seen  map[string]bool `json:"seen"`
	Stats *Stats          `json:"stats,omitempty"`
}

// HasSeen reports whether the id was considered on a previous run.
func (ss *SourceState) HasSeen(id string) bool {
	return ss.Seen[id]
}

// MarkSeen records an id in the ledger. Write-once semantics: re-marking is a
// no-op.
func (ss *SourceState) MarkSeen(id string) {
	if ss.Seen == nil {
		ss.Seen = map[string]bool{}
	}
	ss.Seen[id] = true
}

// RecordOutcomes folds one run's classification counts into the rolling stats.
func (ss *SourceState) RecordOutcomes(kept, deprioritized, ignored int, now time.Time) {
	n := kept + deprioritized + ignored
	if n == 0 {
		return
	}
	if ss.Stats == nil {
		ss.Stats = &Stats{}
	}
	ss.Stats.Total += n
	ss.Stats.Kept += kept
	ss.Stats.Deprioritized += deprioritized
	ss.Stats.Ignored += ignored
	ss.Stats.QualityRatio = float64(ss.Stats.Kept) / float64(ss.Stats.Total)
	ss.Stats.LastUpdated = now
}

// ShouldSkip reports whether the source is currently below the quality bar.
// Re-evaluated from persisted stats every run; the ratio can recover as the
// denominator grows, so no source is permanently disabled.
func (ss *SourceState) ShouldSkip(minSample int, threshold float64) bool {
	if ss.Stats == nil || minSample <= 0 {
		return false
	}
	return ss.Stats.Total >= minSample && ss.Stats.QualityRatio < threshold
}

// State is the single unit of durable local state: a mapping from source
// identity to its SourceState. Loaded once per run, mutated in memory from a
// single control flow, written at the run's checkpoints.
type State struct {
	Sources map[string]*SourceState `json:"sources"`
}

// New returns an empty state.
func New() *State {
	return &State{Sources: map[string]*SourceState{}}
}

// Load reads the state file. A missing file or a parse failure yields an
// empty initial state, never an error.
func Load(path string, logger *slog.Logger) *State {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && logger != nil {
			logger.Warn("state file unreadable, starting empty", "path", path, "error", err)
		}
		return New()
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		if logger != nil {
			logger.Warn("state file unparsable, starting empty", "path", path, "error", err)
		}
		return New()
	}
	if st.Sources == nil {
		st.Sources = map[string]*SourceState{}
	}
	return &st
}

// Save writes the state with stable formatting, via a temp file rename so a
// crash mid-write cannot truncate the previous checkpoint.
func (s *State) Save(path string) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Source returns the state for an identity, creating an empty entry on first
// encounter. Entries are never deleted so a disabled source can recover.
func (s *State) Source(identity string) *SourceState {
	if s.Sources == nil {
		s.Sources = map[string]*SourceState{}
	}
	ss, ok := s.Sources[identity]
	if !ok {
		ss = &SourceState{Seen: map[string]bool{}}
		s.Sources[identity] = ss
	}
	return ss
}

// Partition splits a source's filtered items into new and already-seen, and
// marks every new id in the ledger before anything downstream runs.
func (s *State) Partition(identity string, items []domain.Item) []domain.Item {
	ss := s.Source(identity)
	fresh := make([]domain.Item, 0, len(items))
	for _, it := range items {
		if ss.HasSeen(it.ID) {
			continue
		}
		ss.MarkSeen(it.ID)
		fresh = append(fresh, it)
	}
	return fresh
}
