package app

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"feedsync/internal/config"
)

func TestDeadlineFiresWithDistinguishedCode(t *testing.T) {
	t.Parallel()

	codes := make(chan int, 1)
	d := armDeadlineFunc(10*time.Millisecond, slog.New(slog.DiscardHandler), func(code int) {
		codes <- code
	})
	defer d.disarm()

	select {
	case code := <-codes:
		assert.Equal(t, ExitTimeout, code)
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
}

func TestDisarmedDeadlineDoesNotFire(t *testing.T) {
	t.Parallel()

	codes := make(chan int, 1)
	d := armDeadlineFunc(20*time.Millisecond, slog.New(slog.DiscardHandler), func(code int) {
		codes <- code
	})
	d.disarm()

	select {
	case <-codes:
		t.Fatal("disarmed deadline fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSourcesFromDeduplicatesByURL(t *testing.T) {
	t.Parallel()

	sources := sourcesFrom([]config.FeedConfig{
		{URL: "https://a.example.org/feed", Name: "A"},
		{URL: "https://a.example.org/feed", Name: "A again"},
		{URL: "https://b.example.org/feed"},
		{URL: ""},
	})
	assert.Len(t, sources, 2)
	assert.Equal(t, "A", sources[0].DisplayName)
	assert.Equal(t, "https://b.example.org/feed", sources[1].DisplayName, "name defaults to the url")
}
