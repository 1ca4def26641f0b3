package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"feedsync/internal/domain"
	"feedsync/internal/ports"
)

// maxTextLen is the store's free-text cap; longer values must be truncated by
// the caller, never rejected.
const maxTextLen = 2000

// Config describes the remote record store connection.
type Config struct {
	Endpoint   string
	APIKey     string
	Collection string
}

// Client talks to the remote record store over its paged REST interface.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

var _ ports.RecordStore = (*Client)(nil)

// NewClient builds a reusable store client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type recordPayload struct {
	Title     string   `json:"title"`
	URL       string   `json:"url,omitempty"`
	Source    string   `json:"source"`
	Status    string   `json:"status"`
	Priority  string   `json:"priority"`
	Topics    []string `json:"topics"`
	Reason    string   `json:"reason,omitempty"`
	Excerpt   string   `json:"excerpt,omitempty"`
	Published string   `json:"published,omitempty"`
}

// CreateRecord creates one record. HTTP 429 surfaces as RateLimitedError with
// the Retry-After hint; HTTP 409 surfaces as ErrConflict.
func (c *Client) CreateRecord(ctx context.Context, rec domain.Record) error {
	payload := recordPayload{
		Title:    truncate(rec.Title),
		URL:      rec.URL,
		Source:   rec.Source,
		Status:   string(rec.Status),
		Priority: string(rec.Priority),
		Topics:   rec.Topics,
		Reason:   truncate(rec.Reason),
		Excerpt:  truncate(rec.Excerpt),
	}
	if payload.Topics == nil {
		payload.Topics = []string{}
	}
	if !rec.PublishedAt.IsZero() {
		payload.Published = rec.PublishedAt.UTC().Format(time.RFC3339)
	}

	path := fmt.Sprintf("/collections/%s/records", c.cfg.Collection)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// ArchiveRecord flips the archive flag on a record; re-archiving an archived
// record is a no-op on the store side.
func (c *Client) ArchiveRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/records/"+id, map[string]bool{"archived": true}, nil)
}

type queryRequest struct {
	Filter struct {
		Status          string `json:"status,omitempty"`
		Source          string `json:"source,omitempty"`
		PublishedBefore string `json:"publishedBefore,omitempty"`
	} `json:"filter"`
	Sort struct {
		Field     string `json:"field"`
		Direction string `json:"direction"`
	} `json:"sort"`
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

type queryResponse struct {
	Records []struct {
		ID        string `json:"id"`
		Source    string `json:"source"`
		Status    string `json:"status"`
		Published string `json:"published"`
		Archived  bool   `json:"archived"`
	} `json:"records"`
	NextCursor string `json:"nextCursor"`
	HasMore    bool   `json:"hasMore"`
}

// QueryRecords runs one page of a filtered, sorted, cursor-paged query.
func (c *Client) QueryRecords(ctx context.Context, q ports.RecordQuery) (ports.RecordPage, error) {
	var req queryRequest
	req.Filter.Status = string(q.Status)
	req.Filter.Source = q.Source
	if !q.PublishedBefore.IsZero() {
		req.Filter.PublishedBefore = q.PublishedBefore.UTC().Format(time.RFC3339)
	}
	req.Sort.Field = "published"
	req.Sort.Direction = "desc"
	if !q.SortNewestFirst {
		req.Sort.Direction = "asc"
	}
	req.Cursor = q.Cursor
	req.PageSize = q.PageSize

	var resp queryResponse
	path := fmt.Sprintf("/collections/%s/query", c.cfg.Collection)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return ports.RecordPage{}, err
	}

	page := ports.RecordPage{
		Records:    make([]domain.StoredRecord, 0, len(resp.Records)),
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}
	for _, r := range resp.Records {
		published, _ := time.Parse(time.RFC3339, r.Published)
		page.Records = append(page.Records, domain.StoredRecord{
			ID:          r.ID,
			Source:      r.Source,
			Status:      domain.RecordStatus(r.Status),
			PublishedAt: published,
			Archived:    r.Archived,
		})
	}
	return page, nil
}

// ListSources enumerates the distinct source names present in the collection.
func (c *Client) ListSources(ctx context.Context) ([]string, error) {
	var resp struct {
		Sources []string `json:"sources"`
	}
	path := fmt.Sprintf("/collections/%s/sources", c.cfg.Collection)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sources, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.Endpoint, "/")+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Debug("store rate limited", "path", path)
		return &ports.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s %s: %w", method, path, ports.ErrConflict)
	case resp.StatusCode >= http.StatusBadRequest:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("store error %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxTextLen {
		return s
	}
	return string(runes[:maxTextLen])
}
