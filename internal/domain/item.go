package domain

import "time"

// Source is one content feed. Identity is a stable URL-like key used for
// deduplication and quality statistics; it is never regenerated once assigned.
type Source struct {
	Identity    string
	DisplayName string
}

// Decision is the triage verdict for an item.
type Decision string

const (
	DecisionKeep         Decision = "keep"
	DecisionDeprioritize Decision = "deprioritize"
	DecisionIgnore       Decision = "ignore"
)

// Priority ranks how urgently a kept item should be surfaced.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityNormal Priority = "Normal"
	PriorityLow    Priority = "Low"
)

// MaxTopics caps the topics attached to a single classification.
const MaxTopics = 5

// Classification is the triage verdict attached to an Item exactly once.
type Classification struct {
	Decision Decision
	Priority Priority
	Topics   []string
	Reason   string
	Abstract string
}

// DefaultClassification is the safe fallback applied whenever the remote
// classifier is disabled or its response cannot be used.
func DefaultClassification(reason string) Classification {
	return Classification{
		Decision: DecisionKeep,
		Priority: PriorityNormal,
		Topics:   []string{},
		Reason:   reason,
	}
}

// Normalized clamps free-form classifier output onto the closed enumerations:
// unknown decisions become keep, unknown priorities become Normal and topics
// are truncated to MaxTopics.
func (c Classification) Normalized() Classification {
	switch c.Decision {
	case DecisionKeep, DecisionDeprioritize, DecisionIgnore:
	default:
		c.Decision = DecisionKeep
	}
	switch c.Priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		c.Priority = PriorityNormal
	}
	if c.Topics == nil {
		c.Topics = []string{}
	}
	if len(c.Topics) > MaxTopics {
		c.Topics = c.Topics[:MaxTopics]
	}
	return c
}

// Item is one unit of content retrieved from a Source. Immutable after
// creation within one run; Classification is attached by the batcher.
type Item struct {
	ID             string
	Title          string
	URL            string
	PublishedAt    time.Time
	Excerpt        string
	SourceID       string
	SourceName     string
	Classification *Classification
}

// RecordStatus enumerates the remote store's status field.
type RecordStatus string

const (
	StatusUnread   RecordStatus = "Unread"
	StatusRead     RecordStatus = "Read"
	StatusArchived RecordStatus = "Archived"
)

// StatusFor maps a triage decision to the status a record is created under.
func StatusFor(c Classification) RecordStatus {
	switch c.Decision {
	case DecisionIgnore:
		return StatusArchived
	case DecisionDeprioritize:
		return StatusRead
	default:
		return StatusUnread
	}
}

// Record is the payload created in the remote record store for one item.
type Record struct {
	Title       string
	URL         string
	Source      string
	Status      RecordStatus
	Priority    Priority
	Topics      []string
	Reason      string
	Excerpt     string
	PublishedAt time.Time
}

// StoredRecord is a record as returned by the store's paged query interface.
type StoredRecord struct {
	ID          string
	Source      string
	Status      RecordStatus
	PublishedAt time.Time
	Archived    bool
}
