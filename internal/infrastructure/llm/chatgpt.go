package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"feedsync/internal/domain"
	"feedsync/internal/ports"
)

const defaultSystemPrompt = `You triage feed items for a personal reading queue.
For every input item return one JSON object with fields:
  "decision": "keep" | "deprioritize" | "ignore"
  "priority": "High" | "Normal" | "Low"
  "topics": up to 5 short topic strings
  "reason": one sentence explaining the decision
  "abstract": optional one-paragraph summary
Respond with a JSON array containing exactly one object per input item, in
input order, and nothing else.`

// Config describes the OpenAI-compatible classification endpoint.
type Config struct {
	Endpoint     string
	Model        string
	APIKey       string
	SystemPrompt string
}

// Client implements ports.Classifier against an OpenAI-compatible chat
// completions API. The system prompt is resolved once at construction, with
// a fallback when the configured text is empty.
type Client struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	httpClient   *http.Client
	logger       *slog.Logger

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

var _ ports.Classifier = (*Client)(nil)

// NewClient builds a classifier client from configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	prompt := strings.TrimSpace(cfg.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &Client{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: prompt,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

type batchEntry struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	URL       string `json:"url,omitempty"`
	Source    string `json:"source"`
	Published string `json:"published,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
}

type resultRecord struct {
	Decision string   `json:"decision"`
	Priority string   `json:"priority"`
	Topics   []string `json:"topics"`
	Reason   string   `json:"reason"`
	Abstract string   `json:"abstract"`
}

// ClassifyBatch sends one batch of item metadata and maps the response back
// onto the batch. Parse failures and length mismatches wrap
// ports.ErrMalformedResponse; everything else is a transport error.
func (c *Client) ClassifyBatch(ctx context.Context, items []domain.Item) ([]domain.Classification, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return nil, fmt.Errorf("classifier client misconfigured")
	}

	entries := make([]batchEntry, 0, len(items))
	for i, it := range items {
		e := batchEntry{
			Index:   i,
			Title:   it.Title,
			URL:     it.URL,
			Source:  it.SourceName,
			Excerpt: it.Excerpt,
		}
		if !it.PublishedAt.IsZero() {
			e.Published = it.PublishedAt.UTC().Format(time.RFC3339)
		}
		entries = append(entries, e)
	}

	userPayload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": c.systemPrompt},
			{"role": "user", "content": string(userPayload)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("classifier error %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode completion: %w: %v", ports.ErrMalformedResponse, err)
	}
	c.recordUsage(completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("completion has no choices: %w", ports.ErrMalformedResponse)
	}

	records, err := parseResults(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if len(records) != len(items) {
		return nil, fmt.Errorf("got %d results for %d items: %w",
			len(records), len(items), ports.ErrMalformedResponse)
	}

	out := make([]domain.Classification, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Classification{
			Decision: domain.Decision(strings.ToLower(strings.TrimSpace(r.Decision))),
			Priority: domain.Priority(strings.TrimSpace(r.Priority)),
			Topics:   r.Topics,
			Reason:   r.Reason,
			Abstract: r.Abstract,
		}.Normalized())
	}
	return out, nil
}

// recordUsage accumulates token counts for observability only; it never
// affects the classification result.
func (c *Client) recordUsage(prompt, completion int64) {
	c.promptTokens.Add(prompt)
	c.completionTokens.Add(completion)
	if c.logger != nil && (prompt > 0 || completion > 0) {
		c.logger.Debug("classifier usage", "prompt_tokens", prompt, "completion_tokens", completion)
	}
}

// Usage reports the tokens consumed so far.
func (c *Client) Usage() (prompt, completion int64) {
	return c.promptTokens.Load(), c.completionTokens.Load()
}

// parseResults accepts either a bare JSON array of result records or an
// object wrapping one under a known key, with optional code fences around
// the whole body.
func parseResults(content string) ([]resultRecord, error) {
	content = stripFences(content)

	var records []resultRecord
	if err := json.Unmarshal([]byte(content), &records); err == nil {
		return records, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil {
		for _, key := range []string{"results", "items", "classifications"} {
			raw, ok := wrapped[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &records); err == nil {
				return records, nil
			}
		}
	}

	return nil, fmt.Errorf("response body is not a result array: %w", ports.ErrMalformedResponse)
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
