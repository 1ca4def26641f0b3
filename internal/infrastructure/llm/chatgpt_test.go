package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/internal/domain"
	"feedsync/internal/ports"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func completionWith(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 40},
	})
	return string(raw)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewClient(Config{
		Endpoint: server.URL,
		Model:    "gpt-4o-mini",
		APIKey:   "test-key",
	}, discard())
	c.httpClient = server.Client()
	return c
}

func twoItems() []domain.Item {
	return []domain.Item{
		{ID: "1", Title: "First", SourceName: "Blog"},
		{ID: "2", Title: "Second", SourceName: "Blog"},
	}
}

func TestClassifyBatchParsesArray(t *testing.T) {
	t.Parallel()

	content := `[
	  {"decision":"keep","priority":"High","topics":["go"],"reason":"good"},
	  {"decision":"ignore","priority":"Low","topics":[],"reason":"spam"}
	]`
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(completionWith(content)))
	}))

	got, err := c.ClassifyBatch(context.Background(), twoItems())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.DecisionKeep, got[0].Decision)
	assert.Equal(t, domain.PriorityHigh, got[0].Priority)
	assert.Equal(t, domain.DecisionIgnore, got[1].Decision)

	prompt, completion := c.Usage()
	assert.Equal(t, int64(120), prompt)
	assert.Equal(t, int64(40), completion)
}

func TestClassifyBatchAcceptsWrappedObjectAndFences(t *testing.T) {
	t.Parallel()

	content := "```json\n" + `{"results":[
	  {"decision":"KEEP","priority":"high","reason":"x"},
	  {"decision":"deprioritize","priority":"Normal","reason":"y"}
	]}` + "\n```"
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionWith(content)))
	}))

	got, err := c.ClassifyBatch(context.Background(), twoItems())
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Decisions are lowercased before normalization; unknown priority casing
	// clamps to Normal.
	assert.Equal(t, domain.DecisionKeep, got[0].Decision)
	assert.Equal(t, domain.PriorityNormal, got[0].Priority)
	assert.Equal(t, domain.DecisionDeprioritize, got[1].Decision)
}

func TestClassifyBatchLengthMismatchIsMalformed(t *testing.T) {
	t.Parallel()

	content := `[{"decision":"keep","priority":"Normal","reason":"only one"}]`
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionWith(content)))
	}))

	_, err := c.ClassifyBatch(context.Background(), twoItems())
	assert.True(t, errors.Is(err, ports.ErrMalformedResponse))
}

func TestClassifyBatchNonJSONContentIsMalformed(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completionWith("Sorry, I cannot help with that.")))
	}))

	_, err := c.ClassifyBatch(context.Background(), twoItems())
	assert.True(t, errors.Is(err, ports.ErrMalformedResponse))
}

func TestClassifyBatchHTTPErrorIsTransport(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	_, err := c.ClassifyBatch(context.Background(), twoItems())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ports.ErrMalformedResponse))
}

func TestClassifyBatchSendsOneEntryPerItem(t *testing.T) {
	t.Parallel()

	var gotEntries []batchEntry
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		require.NoError(t, json.Unmarshal([]byte(req.Messages[1].Content), &gotEntries))

		records := make([]resultRecord, len(gotEntries))
		for i := range records {
			records[i] = resultRecord{Decision: "keep", Priority: "Normal", Reason: fmt.Sprintf("r%d", i)}
		}
		raw, _ := json.Marshal(records)
		_, _ = w.Write([]byte(completionWith(string(raw))))
	}))

	got, err := c.ClassifyBatch(context.Background(), twoItems())
	require.NoError(t, err)
	require.Len(t, gotEntries, 2)
	assert.Equal(t, 0, gotEntries[0].Index)
	assert.Equal(t, "First", gotEntries[0].Title)
	assert.Equal(t, 1, gotEntries[1].Index)
	require.Len(t, got, 2)
	assert.Equal(t, "r0", got[0].Reason)
	assert.Equal(t, "r1", got[1].Reason)
}

func TestSystemPromptFallsBackAtConstruction(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{Endpoint: "http://x", Model: "m", APIKey: "k"}, discard())
	assert.Equal(t, defaultSystemPrompt, c.systemPrompt)

	custom := NewClient(Config{Endpoint: "http://x", Model: "m", APIKey: "k", SystemPrompt: "be brief"}, discard())
	assert.Equal(t, "be brief", custom.systemPrompt)
}
