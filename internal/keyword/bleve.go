package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

const docType = "experience"

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

func experienceMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	// standard analyzer: lowercase + tokenize, no stemming, so tool names match verbatim
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	doc.AddFieldMappingsAt("content", text)
	doc.AddFieldMappingsAt("tool", text)
	doc.AddFieldMappingsAt("action", text)

	kw := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("id", kw)
	doc.AddFieldMappingsAt("session_id", kw)
	doc.AddFieldMappingsAt("task_type", kw)
	doc.AddFieldMappingsAt("verdict", kw)

	doc.AddFieldMappingsAt("reward", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt("timestamp", bleve.NewDateTimeFieldMapping())

	im.AddDocumentMapping(docType, doc)
	im.DefaultType = docType
	im.DefaultMapping = doc
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path keeps the index in memory.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(experienceMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	index, err := bleve.New(path, experienceMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// Index adds or replaces doc.
func (b *BleveIndex) Index(ctx context.Context, doc *ExperienceDoc) error {
	if err := b.index.Index(doc.ID, doc); err != nil {
		return fmt.Errorf("index experience %s: %w", doc.ID, err)
	}
	return nil
}

// Search matches query against the experience text, tool and action, optionally restricted to
// one session or task type. Results are ordered by descending score.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if limit <= 0 {
		limit = 10
	}
	var text blevequery.Query
	if opts != nil && opts.Fuzziness > 0 {
		text = buildFuzzyQuery(query, opts.Fuzziness)
	} else {
		text = buildMatchQuery(query)
	}
	q := text
	if opts != nil && (opts.SessionID != "" || opts.TaskType != "") {
		must := []blevequery.Query{text}
		if opts.SessionID != "" {
			tq := bleve.NewTermQuery(opts.SessionID)
			tq.SetField("session_id")
			must = append(must, tq)
		}
		if opts.TaskType != "" {
			tq := bleve.NewTermQuery(opts.TaskType)
			tq.SetField("task_type")
			must = append(must, tq)
		}
		q = bleve.NewConjunctionQuery(must...)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*KeywordResult, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = &KeywordResult{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// buildMatchQuery matches the query in any text field; tool-name hits weigh double.
func buildMatchQuery(query string) blevequery.Query {
	content := bleve.NewMatchQuery(query)
	content.SetField("content")
	action := bleve.NewMatchQuery(query)
	action.SetField("action")
	tool := bleve.NewMatchQuery(query)
	tool.SetField("tool")
	tool.SetBoost(2)
	return bleve.NewDisjunctionQuery(content, action, tool)
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries for each term over every text field.
func buildFuzzyQuery(query string, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return buildMatchQuery(query)
	}
	queries := make([]blevequery.Query, 0, 3*len(terms))
	for _, term := range terms {
		for _, field := range []string{"content", "action", "tool"} {
			fq := bleve.NewFuzzyQuery(term)
			fq.SetFuzziness(fuzziness)
			fq.SetField(field)
			queries = append(queries, fq)
		}
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// Delete removes a document from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
