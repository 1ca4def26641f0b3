package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedsync/internal/domain"
)

// FeedFetcher retrieves the current item list for one source.
type FeedFetcher interface {
	Fetch(ctx context.Context, src domain.Source) ([]domain.Item, error)
}

// Classifier performs one remote classification call for a batch of items.
// Implementations return errors wrapping ErrMalformedResponse when the
// response body cannot be mapped back onto the batch; any other error is a
// transport failure.
type Classifier interface {
	ClassifyBatch(ctx context.Context, items []domain.Item) ([]domain.Classification, error)
}

// RecordQuery filters a paged query against the remote store. Zero values
// mean "no constraint" for the corresponding field.
type RecordQuery struct {
	Status          domain.RecordStatus
	Source          string
	PublishedBefore time.Time
	SortNewestFirst bool
	Cursor          string
	PageSize        int
}

// RecordPage is one page of query results plus the continuation cursor.
type RecordPage struct {
	Records    []domain.StoredRecord
	NextCursor string
	HasMore    bool
}

// RecordStore is the remote record store: cursor-paged queries, record
// creation and an idempotent archive flag update.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec domain.Record) error
	ArchiveRecord(ctx context.Context, id string) error
	QueryRecords(ctx context.Context, q RecordQuery) (RecordPage, error)
	ListSources(ctx context.Context) ([]string, error)
}

// Notifier posts the end-of-run digest to an outbound channel.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// ErrMalformedResponse marks a classifier response that parsed as neither a
// result array nor a wrapped object, or whose length does not match the batch.
var ErrMalformedResponse = errors.New("malformed classifier response")

// ErrConflict marks a conflicting write rejected by the record store; callers
// retry it with exponential backoff up to the attempt budget.
var ErrConflict = errors.New("conflicting write")

// RateLimitedError reports a store rate limit together with the service's
// own retry hint. Retries after a rate limit do not consume attempts.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
