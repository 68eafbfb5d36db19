// Package keyword provides full-text recall over recorded experiences.
package keyword

import (
	"context"
	"time"
)

// ExperienceDoc is the searchable projection of an experience.
type ExperienceDoc struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TaskType  string    `json:"task_type"`
	ToolName  string    `json:"tool"`
	Action    string    `json:"action"`
	Content   string    `json:"content"`
	Verdict   string    `json:"verdict"`
	Reward    float64   `json:"reward"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchOptions narrow a keyword search. Nil means no restriction.
type SearchOptions struct {
	SessionID string
	TaskType  string
	// Fuzziness enables typo-tolerant matching with the given edit distance (1 or 2).
	Fuzziness int
}

// KeywordIndex indexes experience text for recall.
type KeywordIndex interface {
	Index(ctx context.Context, doc *ExperienceDoc) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	Delete(ctx context.Context, id string) error
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID    string
	Score float64
}
