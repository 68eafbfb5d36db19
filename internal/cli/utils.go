// Package cli provides output helpers for the agentdb command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/search"
	"github.com/hyperjump/agentdb/internal/snapshot"
	"github.com/hyperjump/agentdb/pkg/utils"
)

// OutputFormat selects how command results are printed.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text", "json" or "" (text).
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (supported: text, json)", s)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	cached := ""
	if response.Cached {
		cached = ", cached"
	}
	fmt.Fprintf(w, "\nFound %d results in %dms (%s%s)\n\n", len(response.Results), response.QueryTime, response.Mode, cached)
	for _, r := range response.Results {
		fmt.Fprintf(w, "%3d. %s  distance=%.4f score=%.4f\n", r.Rank, r.ID, r.Distance, r.Score)
		if len(r.Metadata) > 0 {
			fmt.Fprintf(w, "     %s\n", utils.Truncate(FormatMetadata(r.Metadata), 200))
		}
	}
	return nil
}

// FormatMetadata renders metadata as sorted key=value pairs.
func FormatMetadata(md map[string]any) string {
	keys := slices.Sorted(maps.Keys(md))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, md[k])
	}
	return strings.Join(parts, " ")
}

// WriteStatus writes engine statistics.
func WriteStatus(w io.Writer, st *search.Stats, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, st)
	}
	fmt.Fprintf(w, "Vectors:       %d (indexed %d)\n", st.Vectors, st.Indexed)
	fmt.Fprintf(w, "Dimension:     %d\n", st.Dimension)
	fmt.Fprintf(w, "Metric:        %s\n", st.Metric)
	fmt.Fprintf(w, "Index:         %s\n", st.IndexType)
	if st.Graph != nil {
		fmt.Fprintf(w, "Graph:         M=%d ef_search=%d max_level=%d tombstones=%d\n",
			st.Graph.M, st.Graph.EfSearch, st.Graph.MaxLevel, st.Graph.Tombstones)
	}
	q := st.Quantization
	if st.QuantizerTrained {
		q += fmt.Sprintf(" (trained, %d codes, %.1fx compression)", st.Codes, st.CompressionRatio)
	} else if q != "none" {
		q += " (untrained)"
	}
	fmt.Fprintf(w, "Quantization:  %s\n", q)
	fmt.Fprintf(w, "Cache:         %d entries, %d hits, %d misses\n", st.Cache.Size, st.Cache.Hits, st.Cache.Misses)
	fmt.Fprintf(w, "Disk usage:    %s\n", FormatBytes(st.DiskBytes))
	return nil
}

// WriteSnapshotSummary writes what an export or import moved.
func WriteSnapshotSummary(w io.Writer, verb string, sum *snapshot.Summary, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, sum)
	}
	fmt.Fprintf(w, "%s %d vectors, %d sessions, %d experiences, %d policies", verb,
		sum.Vectors, sum.Sessions, sum.Experiences, sum.Policies)
	if sum.Quantizer {
		fmt.Fprint(w, " and the trained quantizer")
	}
	fmt.Fprintln(w)
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
