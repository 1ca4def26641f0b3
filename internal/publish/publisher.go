package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"feedsync/internal/domain"
	"feedsync/internal/ports"
)

// Config tunes the publish stream. Delay is the inter-item pause; BaseDelay
// seeds the conflict backoff; RateLimitFallback is used when the store's
// retry hint is absent.
type Config struct {
	BatchSize         int
	Delay             time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	RateLimitFallback time.Duration
}

// Outcome summarizes one publish pass.
type Outcome struct {
	Created int
	Failed  int
}

// Publisher creates one remote record per accepted item. Publishing is a
// single sequential stream with explicit delays: the store's rate-limit
// contract rewards steady pacing over bursts.
type Publisher struct {
	store  ports.RecordStore
	cfg    Config
	logger *slog.Logger
	sleep  func(time.Duration)
}

// NewPublisher wires the record store client.
func NewPublisher(store ports.RecordStore, cfg Config, logger *slog.Logger) *Publisher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.RateLimitFallback <= 0 {
		cfg.RateLimitFallback = 2 * time.Second
	}
	return &Publisher{store: store, cfg: cfg, logger: logger, sleep: time.Sleep}
}

// PublishAll creates records in ordered batches. A single item's permanent
// failure never aborts the batch or the run.
func (p *Publisher) PublishAll(ctx context.Context, items []domain.Item) Outcome {
	var out Outcome
	for start := 0; start < len(items); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		p.logger.Debug("publishing batch", "from", start, "to", end, "total", len(items))

		for _, it := range items[start:end] {
			if p.publishOne(ctx, it) {
				out.Created++
			} else {
				out.Failed++
			}
			if p.cfg.Delay > 0 {
				p.sleep(p.cfg.Delay)
			}
		}
	}
	return out
}

func (p *Publisher) publishOne(ctx context.Context, it domain.Item) bool {
	rec := recordFor(it)

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	bo.Reset()

	for attempt := 1; attempt <= p.cfg.MaxRetries; {
		err := p.store.CreateRecord(ctx, rec)
		if err == nil {
			return true
		}

		var rl *ports.RateLimitedError
		if errors.As(err, &rl) {
			// The service's own hint governs the wait; this retry does not
			// consume an attempt.
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = p.cfg.RateLimitFallback
			}
			p.logger.Warn("store rate limited, pausing", "item", it.ID, "wait", wait)
			p.sleep(wait)
			continue
		}

		if errors.Is(err, ports.ErrConflict) && attempt < p.cfg.MaxRetries {
			wait := bo.NextBackOff()
			p.logger.Warn("conflicting write, backing off",
				"item", it.ID, "attempt", attempt, "wait", wait)
			p.sleep(wait)
			attempt++
			continue
		}

		p.logger.Warn("abandoning item after publish failure",
			"item", it.ID, "attempt", attempt, "error", err)
		return false
	}
	return false
}

// recordFor maps an item onto the store payload. An absent classification is
// normalized to an explicit keep before publishing.
func recordFor(it domain.Item) domain.Record {
	c := domain.DefaultClassification("")
	if it.Classification != nil {
		c = it.Classification.Normalized()
	}
	return domain.Record{
		Title:       it.Title,
		URL:         it.URL,
		Source:      it.SourceName,
		Status:      domain.StatusFor(c),
		Priority:    c.Priority,
		Topics:      c.Topics,
		Reason:      c.Reason,
		Excerpt:     excerptFor(it, c),
		PublishedAt: it.PublishedAt,
	}
}

func excerptFor(it domain.Item, c domain.Classification) string {
	if c.Abstract != "" {
		return c.Abstract
	}
	return it.Excerpt
}
