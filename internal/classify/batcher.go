package classify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"feedsync/internal/domain"
	"feedsync/internal/ports"
)

const (
	reasonDisabled    = "disabled"
	reasonParseFailed = "batch-parse-failed"
	reasonAPIError    = "batch-api-error"
)

// Config tunes batching. Concurrency bounds simultaneous classifier calls and
// is independent of the fetch concurrency bound.
type Config struct {
	Enabled     bool
	BatchSize   int
	Concurrency int
}

// Batcher groups new items into fixed-size batches and runs them through the
// remote classifier with its own worker pool. Every failure mode degrades to
// a keep-everything default; nothing propagates to the caller.
type Batcher struct {
	client ports.Classifier
	cfg    Config
	logger *slog.Logger
}

// NewBatcher wires the classifier client; a nil client behaves like triage
// being disabled.
func NewBatcher(client ports.Classifier, cfg Config, logger *slog.Logger) *Batcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Batcher{client: client, cfg: cfg, logger: logger}
}

// ClassifyAll attaches a classification to every item and returns the slice.
// With triage disabled or no client configured this is a pure synchronous
// pass with zero network calls.
func (b *Batcher) ClassifyAll(ctx context.Context, items []domain.Item) []domain.Item {
	if len(items) == 0 {
		return items
	}

	if !b.cfg.Enabled || b.client == nil {
		for i := range items {
			c := domain.DefaultClassification(reasonDisabled)
			items[i].Classification = &c
		}
		return items
	}

	type span struct{ start, end int }
	var batches []span
	for start := 0; start < len(items); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, span{start, end})
	}

	workers := b.cfg.Concurrency
	if workers > len(batches) {
		workers = len(batches)
	}

	// Workers write into disjoint item ranges, so no locking is needed.
	var cursor atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1)) - 1
				if i >= len(batches) {
					return nil
				}
				b.classifyBatch(ctx, items[batches[i].start:batches[i].end])
			}
		})
	}
	_ = g.Wait()

	return items
}

func (b *Batcher) classifyBatch(ctx context.Context, batch []domain.Item) {
	results, err := b.client.ClassifyBatch(ctx, batch)
	if err != nil {
		reason := reasonAPIError
		if errors.Is(err, ports.ErrMalformedResponse) {
			reason = reasonParseFailed
		}
		b.logger.Warn("classification batch failed, keeping all items",
			"size", len(batch), "reason", reason, "error", err)
		b.applyDefault(batch, reason)
		return
	}

	// The contract is exactly one result per input item, in input order.
	if len(results) != len(batch) {
		b.logger.Warn("classification result count mismatch, keeping all items",
			"want", len(batch), "got", len(results))
		b.applyDefault(batch, reasonParseFailed)
		return
	}

	for i := range batch {
		c := results[i].Normalized()
		batch[i].Classification = &c
	}
}

func (b *Batcher) applyDefault(batch []domain.Item, reason string) {
	for i := range batch {
		c := domain.DefaultClassification(reason)
		batch[i].Classification = &c
	}
}
