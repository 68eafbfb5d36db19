// Package models defines core data structures for vectors, experiences, sessions and search results.
package models

import (
	"fmt"
	"time"
)

// VectorRecord is a stored embedding with its cached norm and metadata.
type VectorRecord struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Norm      float64        `json:"norm"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SearchMode selects how a query is answered.
type SearchMode string

const (
	// SearchModeExact scans every stored vector.
	SearchModeExact SearchMode = "exact"
	// SearchModeANN walks the HNSW graph.
	SearchModeANN SearchMode = "ann"
	// SearchModeQuantized scores compressed codes only. Approximate; recall is lower than two_stage.
	SearchModeQuantized SearchMode = "quantized"
	// SearchModeTwoStage oversamples with compressed codes and reranks with exact distances.
	SearchModeTwoStage SearchMode = "two_stage"
)

const (
	DefaultSearchK = 10
	MaxSearchK     = 1000
)

// SearchRequest is a k-nearest-neighbour query with an optional metadata equality filter.
// Records whose metadata matches every pair of Exclude are dropped.
type SearchRequest struct {
	Vector  []float32      `json:"vector"`
	K       int            `json:"k,omitempty"`
	Filter  map[string]any `json:"filter,omitempty"`
	Exclude map[string]any `json:"exclude,omitempty"`
	Mode    SearchMode     `json:"mode,omitempty"`
}

// Filtered reports whether the request restricts results by metadata.
func (r *SearchRequest) Filtered() bool {
	return len(r.Filter) > 0 || len(r.Exclude) > 0
}

// Matches reports whether a record with metadata passes both Filter and Exclude.
func (r *SearchRequest) Matches(metadata map[string]any) bool {
	if !MatchesFilter(metadata, r.Filter) {
		return false
	}
	return len(r.Exclude) == 0 || !MatchesFilter(metadata, r.Exclude)
}

// Validate ensures the request has a vector and a known mode, and normalizes K.
func (r *SearchRequest) Validate() error {
	if len(r.Vector) == 0 {
		return fmt.Errorf("query vector cannot be empty")
	}
	if r.K <= 0 {
		r.K = DefaultSearchK
	}
	if r.K > MaxSearchK {
		r.K = MaxSearchK
	}
	switch r.Mode {
	case "":
		r.Mode = SearchModeANN
	case SearchModeExact, SearchModeANN, SearchModeQuantized, SearchModeTwoStage:
	default:
		return fmt.Errorf("unknown search mode %q", r.Mode)
	}
	return nil
}

// SearchResult is a single hit. Distance is ascending-better; Score is the metric's similarity.
type SearchResult struct {
	ID       string         `json:"id"`
	Distance float64        `json:"distance"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Rank     int            `json:"rank"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Mode      SearchMode      `json:"mode"`
	Cached    bool            `json:"cached"`
	QueryTime int64           `json:"query_time_ms"`
}

// IDs returns result ids in rank order.
func (r *SearchResponse) IDs() []string {
	ids := make([]string, len(r.Results))
	for i, res := range r.Results {
		ids[i] = res.ID
	}
	return ids
}

// MatchesFilter reports whether metadata contains every key of filter with an equal value.
// Values are compared by their formatted representation so JSON numbers match Go ints.
func MatchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
