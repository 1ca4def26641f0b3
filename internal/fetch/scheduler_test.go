package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/internal/domain"
)

type fakeFetcher struct {
	fetch func(ctx context.Context, src domain.Source) ([]domain.Item, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, src domain.Source) ([]domain.Item, error) {
	return f.fetch(ctx, src)
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFetchAllRespectsConcurrencyBound(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int64
	fetcher := &fakeFetcher{fetch: func(_ context.Context, src domain.Source) ([]domain.Item, error) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(time.Duration(5+len(src.Identity)%7) * time.Millisecond)
		active.Add(-1)
		return []domain.Item{{ID: src.Identity + "/1"}}, nil
	}}

	s := NewScheduler(fetcher, nil, Config{Concurrency: 3}, discard())

	sources := make([]domain.Source, 10)
	for i := range sources {
		sources[i] = domain.Source{Identity: fmt.Sprintf("https://example.org/feed-%d", i)}
	}

	results := s.FetchAll(context.Background(), sources)
	require.Len(t, results, 10)
	for i, res := range results {
		assert.Equal(t, sources[i].Identity, res.Source.Identity)
		assert.Len(t, res.Fresh, 1)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3), "more than 3 fetches in flight")
}

func TestFetchAllRecoversPerSourceFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fetch: func(_ context.Context, src domain.Source) ([]domain.Item, error) {
		if src.Identity == "bad" {
			return nil, fmt.Errorf("connection refused")
		}
		return []domain.Item{{ID: "ok"}}, nil
	}}
	s := NewScheduler(fetcher, nil, Config{Concurrency: 2}, discard())

	results := s.FetchAll(context.Background(), []domain.Source{
		{Identity: "bad"}, {Identity: "good"},
	})
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Fresh)
	assert.Len(t, results[1].Fresh, 1)
}

func TestStaleArchiveURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url  string
		want bool
	}{
		{"https://blog.example.org/2019/05/old-post", true},
		{"https://blog.example.org/2026/01/fresh-post", false},
		{"https://blog.example.org/2023/01/recent-enough", false},
		{"https://blog.example.org/2019/reposted-in/2026", false},
		{"https://blog.example.org/plain-post", false},
		{"https://blog.example.org/port-8080-title", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, staleArchiveURL(tc.url, 2026), "url %q", tc.url)
	}
}

func TestAgeCeilingMovesItemsToExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{fetch: func(context.Context, domain.Source) ([]domain.Item, error) {
		return []domain.Item{
			{ID: "fresh", PublishedAt: now.AddDate(0, 0, -2)},
			{ID: "old", PublishedAt: now.AddDate(0, 0, -40)},
			{ID: "undated"},
		}, nil
	}}
	s := NewScheduler(fetcher, nil, Config{Concurrency: 1, MaxAgeDays: 30}, discard())
	s.now = func() time.Time { return now }

	results := s.FetchAll(context.Background(), []domain.Source{{Identity: "src"}})
	require.Len(t, results, 1)

	require.Len(t, results[0].Fresh, 2)
	assert.Equal(t, "fresh", results[0].Fresh[0].ID)
	assert.Equal(t, "undated", results[0].Fresh[1].ID)

	require.Len(t, results[0].Expired, 1)
	assert.Equal(t, "old", results[0].Expired[0].ID)
}

func TestLinkCheckDropsDeadItems(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dead" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fetcher := &fakeFetcher{fetch: func(context.Context, domain.Source) ([]domain.Item, error) {
		return []domain.Item{
			{ID: "alive", URL: server.URL + "/alive"},
			{ID: "dead", URL: server.URL + "/dead"},
			{ID: "no-url"},
		}, nil
	}}
	s := NewScheduler(fetcher, server.Client(), Config{
		Concurrency: 1,
		CheckLinks:  true,
		LinkTimeout: 2 * time.Second,
	}, discard())

	results := s.FetchAll(context.Background(), []domain.Source{{Identity: "src"}})
	require.Len(t, results, 1)
	require.Len(t, results[0].Fresh, 2)
	assert.Equal(t, "alive", results[0].Fresh[0].ID)
	assert.Equal(t, "no-url", results[0].Fresh[1].ID)
}
