package fetch

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"feedsync/internal/domain"
	"feedsync/internal/ports"
)

// Config tunes the scheduler. Concurrency bounds simultaneous source
// retrievals; MaxAgeDays of 0 disables the age ceiling.
type Config struct {
	Concurrency int
	MaxAgeDays  int
	CheckLinks  bool
	LinkTimeout time.Duration
}

// Result is one source's filtered item lists. Expired items passed every
// other filter but exceed the age ceiling; the caller marks them seen so
// they are not re-evaluated on every future run.
type Result struct {
	Source  domain.Source
	Fresh   []domain.Item
	Expired []domain.Item
}

// Scheduler retrieves sources through a pull-based worker pool and applies
// per-item filters. It never consults or mutates dedup state.
type Scheduler struct {
	fetcher ports.FeedFetcher
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler wires the raw-feed collaborator; client defaults to one sized
// by the configured link-check timeout.
func NewScheduler(fetcher ports.FeedFetcher, client *http.Client, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.LinkTimeout}
	}
	return &Scheduler{
		fetcher: fetcher,
		client:  client,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// FetchAll retrieves every source with at most cfg.Concurrency retrievals in
// flight. Workers claim the next unclaimed source from a shared cursor, so a
// fast source's slot is immediately reused and stragglers never block idle
// workers. A source's retrieval failure yields an empty result, never an
// error for the whole run.
func (s *Scheduler) FetchAll(ctx context.Context, sources []domain.Source) []Result {
	results := make([]Result, len(sources))
	if len(sources) == 0 {
		return results
	}

	workers := s.cfg.Concurrency
	if workers > len(sources) {
		workers = len(sources)
	}

	var cursor atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1)) - 1
				if i >= len(sources) {
					return nil
				}
				results[i] = s.fetchOne(ctx, sources[i])
			}
		})
	}
	_ = g.Wait()

	return results
}

func (s *Scheduler) fetchOne(ctx context.Context, src domain.Source) Result {
	res := Result{Source: src}

	items, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		s.logger.Warn("fetch failed, skipping source this run",
			"source", src.DisplayName, "url", src.Identity, "error", err)
		return res
	}

	nowYear := s.now().Year()
	var cutoff time.Time
	if s.cfg.MaxAgeDays > 0 {
		cutoff = s.now().AddDate(0, 0, -s.cfg.MaxAgeDays)
	}

	for _, it := range items {
		if staleArchiveURL(it.URL, nowYear) {
			s.logger.Debug("dropping republished archive item", "source", src.DisplayName, "url", it.URL)
			continue
		}
		if !cutoff.IsZero() && !it.PublishedAt.IsZero() && it.PublishedAt.Before(cutoff) {
			res.Expired = append(res.Expired, it)
			continue
		}
		res.Fresh = append(res.Fresh, it)
	}

	if s.cfg.CheckLinks {
		res.Fresh = s.aliveOnly(ctx, src, res.Fresh)
	}

	return res
}

// aliveOnly runs after age filtering so network budget is not spent on items
// that would be dropped anyway. Items with no URL are kept unchecked.
func (s *Scheduler) aliveOnly(ctx context.Context, src domain.Source, items []domain.Item) []domain.Item {
	alive := make([]domain.Item, 0, len(items))
	for _, it := range items {
		if it.URL == "" {
			alive = append(alive, it)
			continue
		}
		if err := s.checkLink(ctx, it.URL); err != nil {
			s.logger.Warn("dropping item with dead link",
				"source", src.DisplayName, "url", it.URL, "error", err)
			continue
		}
		alive = append(alive, it)
	}
	return alive
}

func (s *Scheduler) checkLink(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LinkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "feedsync/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{status: resp.Status}
	}
	return nil
}

type statusError struct {
	status string
}

func (e *statusError) Error() string {
	return "unexpected status " + e.status
}

var yearExpr = regexp.MustCompile(`(?:19|20)\d{2}`)

// staleArchiveURL reports whether the URL embeds a year token 4+ calendar
// years before nowYear with no more recent token, the signature of
// republished archive content.
func staleArchiveURL(rawURL string, nowYear int) bool {
	matches := yearExpr.FindAllString(rawURL, -1)
	newest := 0
	for _, m := range matches {
		y, err := strconv.Atoi(m)
		if err != nil || y < 1990 || y > nowYear+1 {
			continue
		}
		if y > newest {
			newest = y
		}
	}
	return newest > 0 && newest <= nowYear-4
}
