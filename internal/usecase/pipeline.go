package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"feedsync/internal/classify"
	"feedsync/internal/domain"
	"feedsync/internal/fetch"
	"feedsync/internal/ports"
	"feedsync/internal/publish"
	"feedsync/internal/retention"
	"feedsync/internal/state"
)

// Options tunes the orchestration itself; pool sizes live in the component
// configs.
type Options struct {
	StatePath      string
	MaxItemsPerRun int
	MinSample      int
	Threshold      float64
}

// PipelineDeps wires all components into the orchestration pipeline.
type PipelineDeps struct {
	Sources   []domain.Source
	Scheduler *fetch.Scheduler
	Batcher   *classify.Batcher
	Publisher *publish.Publisher
	Enforcer  *retention.Enforcer
	State     *state.State
	Notifier  ports.Notifier
	Logger    *slog.Logger
	Options   Options
	Now       func() time.Time
}

// Summary reports one run's outcome counts.
type Summary struct {
	SourcesTotal   int
	SourcesSkipped int
	Fetched        int
	New            int
	Published      int
	Failed         int
	ArchivedByAge  int
	ArchivedByCap  int
}

// Pipeline implements one synchronization run: fetch, dedup, classify,
// publish, quality feedback and retention, with state checkpoints between
// phases.
type Pipeline struct {
	sources   []domain.Source
	scheduler *fetch.Scheduler
	batcher   *classify.Batcher
	publisher *publish.Publisher
	enforcer  *retention.Enforcer
	state     *state.State
	notifier  ports.Notifier
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		sources:   deps.Sources,
		scheduler: deps.Scheduler,
		batcher:   deps.Batcher,
		publisher: deps.Publisher,
		enforcer:  deps.Enforcer,
		state:     deps.State,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		opts:      deps.Options,
		now:       now,
	}
}

// Run executes one synchronization pass. Per-source, per-batch and per-item
// failures are recovered inside the components; only a state-write failure
// surfaces as an error.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	summary := Summary{SourcesTotal: len(p.sources)}

	active := p.activeSources()
	summary.SourcesSkipped = len(p.sources) - len(active)

	results := p.scheduler.FetchAll(ctx, active)

	newItems := p.markAndCollect(results, &summary)
	sort.SliceStable(newItems, func(i, j int) bool {
		return newItems[i].PublishedAt.After(newItems[j].PublishedAt)
	})
	if p.opts.MaxItemsPerRun > 0 && len(newItems) > p.opts.MaxItemsPerRun {
		// Deferred items are already marked seen; preferring the most recent
		// content under the cap is policy, not a bug.
		p.logger.Info("capping items this run",
			"new", len(newItems), "cap", p.opts.MaxItemsPerRun)
		newItems = newItems[:p.opts.MaxItemsPerRun]
	}
	summary.New = len(newItems)

	classified := p.batcher.ClassifyAll(ctx, newItems)

	outcome := p.publisher.PublishAll(ctx, classified)
	summary.Published = outcome.Created
	summary.Failed = outcome.Failed

	p.updateStats(classified)

	// Checkpoint right after publish so a crash during the retention sweeps
	// cannot lose dedup progress.
	if err := p.state.Save(p.opts.StatePath); err != nil {
		return summary, fmt.Errorf("save state: %w", err)
	}

	// Retention runs unconditionally, whether or not the run produced items.
	if n, err := p.enforcer.SweepAge(ctx); err != nil {
		p.logger.Warn("age sweep incomplete", "archived", n, "error", err)
		summary.ArchivedByAge = n
	} else {
		summary.ArchivedByAge = n
	}
	if n, err := p.enforcer.SweepCap(ctx); err != nil {
		p.logger.Warn("cap sweep incomplete", "archived", n, "error", err)
		summary.ArchivedByCap = n
	} else {
		summary.ArchivedByCap = n
	}

	// Final checkpoint even with zero new items, so newly-added sources get
	// their empty entry recorded.
	if err := p.state.Save(p.opts.StatePath); err != nil {
		return summary, fmt.Errorf("save state: %w", err)
	}

	if p.notifier != nil {
		if err := p.notifier.PublishDigest(ctx, digestFor(summary)); err != nil {
			p.logger.Warn("digest delivery failed", "error", err)
		}
	}

	return summary, nil
}

// activeSources drops sources currently below the quality bar. The skip is a
// standing decision re-evaluated every run from persisted stats. Every
// configured source gets a state entry, even when skipped.
func (p *Pipeline) activeSources() []domain.Source {
	active := make([]domain.Source, 0, len(p.sources))
	for _, src := range p.sources {
		ss := p.state.Source(src.Identity)
		if ss.ShouldSkip(p.opts.MinSample, p.opts.Threshold) {
			p.logger.Info("skipping low-quality source",
				"source", src.DisplayName,
				"ratio", ss.Stats.QualityRatio,
				"sample", ss.Stats.Total)
			continue
		}
		active = append(active, src)
	}
	return active
}

// markAndCollect records every considered id in the ledger and aggregates
// the new items across sources. Age-expired items are marked seen but never
// travel downstream.
func (p *Pipeline) markAndCollect(results []fetch.Result, summary *Summary) []domain.Item {
	var newItems []domain.Item
	for _, res := range results {
		ss := p.state.Source(res.Source.Identity)
		for _, it := range res.Expired {
			ss.MarkSeen(it.ID)
		}
		summary.Fetched += len(res.Fresh) + len(res.Expired)

		fresh := p.state.Partition(res.Source.Identity, res.Fresh)
		if len(fresh) > 0 {
			p.logger.Debug("source produced new items",
				"source", res.Source.DisplayName, "new", len(fresh))
		}
		newItems = append(newItems, fresh...)
	}
	return newItems
}

// updateStats folds this run's classification outcomes into the per-source
// rolling statistics that drive the next run's skip decision.
func (p *Pipeline) updateStats(items []domain.Item) {
	type counts struct{ kept, deprioritized, ignored int }
	bySource := map[string]*counts{}
	for _, it := range items {
		if it.Classification == nil {
			continue
		}
		c, ok := bySource[it.SourceID]
		if !ok {
			c = &counts{}
			bySource[it.SourceID] = c
		}
		switch it.Classification.Decision {
		case domain.DecisionDeprioritize:
			c.deprioritized++
		case domain.DecisionIgnore:
			c.ignored++
		default:
			c.kept++
		}
	}

	now := p.now()
	for identity, c := range bySource {
		p.state.Source(identity).RecordOutcomes(c.kept, c.deprioritized, c.ignored, now)
	}
}

func digestFor(s Summary) string {
	return fmt.Sprintf(
		"*feedsync run*\nsources: %d (%d skipped)\nfetched: %d, new: %d\npublished: %d, failed: %d\narchived: %d by age, %d by cap",
		s.SourcesTotal, s.SourcesSkipped, s.Fetched, s.New,
		s.Published, s.Failed, s.ArchivedByAge, s.ArchivedByCap)
}
