package models

import (
	"testing"
)

func TestSearchRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *SearchRequest
		wantErr bool
		wantK   int
		mode    SearchMode
	}{
		{"empty vector", &SearchRequest{}, true, 0, ""},
		{"defaults", &SearchRequest{Vector: []float32{1}}, false, DefaultSearchK, SearchModeANN},
		{"caps k", &SearchRequest{Vector: []float32{1}, K: 5000}, false, MaxSearchK, SearchModeANN},
		{"keeps mode", &SearchRequest{Vector: []float32{1}, K: 3, Mode: SearchModeTwoStage}, false, 3, SearchModeTwoStage},
		{"unknown mode", &SearchRequest{Vector: []float32{1}, Mode: "fuzzy"}, true, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.req.K != tt.wantK {
				t.Errorf("K = %d, want %d", tt.req.K, tt.wantK)
			}
			if tt.req.Mode != tt.mode {
				t.Errorf("Mode = %s, want %s", tt.req.Mode, tt.mode)
			}
		})
	}
}

func TestMatchesFilter(t *testing.T) {
	md := map[string]any{"kind": "experience", "n": float64(3)}
	if !MatchesFilter(md, nil) {
		t.Error("nil filter matches everything")
	}
	if !MatchesFilter(md, map[string]any{"kind": "experience", "n": 3}) {
		t.Error("expected match with int filter against float metadata")
	}
	if MatchesFilter(md, map[string]any{"kind": "vector"}) {
		t.Error("value mismatch should not match")
	}
	if MatchesFilter(md, map[string]any{"missing": "x"}) {
		t.Error("missing key should not match")
	}
}

func TestSearchRequest_Matches(t *testing.T) {
	user := map[string]any{"group": "x"}
	exp := map[string]any{"kind": "experience", "group": "x"}

	req := &SearchRequest{}
	if req.Filtered() || !req.Matches(user) || !req.Matches(exp) {
		t.Error("empty request should match everything")
	}
	req.Exclude = map[string]any{"kind": "experience"}
	if !req.Filtered() {
		t.Error("exclusion counts as a filter")
	}
	if !req.Matches(user) {
		t.Error("records without the excluded key stay")
	}
	if req.Matches(exp) {
		t.Error("excluded record should not match")
	}
	req.Filter = map[string]any{"group": "y"}
	if req.Matches(user) {
		t.Error("filter still applies alongside exclusion")
	}
}

func TestVerdictFor(t *testing.T) {
	code := func(c int) *int { return &c }
	tests := []struct {
		name string
		o    Outcome
		want Verdict
	}{
		{"flag success", Outcome{Success: true}, VerdictSuccess},
		{"flag failure", Outcome{}, VerdictFailure},
		{"exit zero", Outcome{ExitCode: code(0)}, VerdictSuccess},
		{"interrupted", Outcome{Success: true, ExitCode: code(130)}, VerdictInterrupted},
		{"exit two", Outcome{Success: true, ExitCode: code(2)}, VerdictFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerdictFor(tt.o); got != tt.want {
				t.Errorf("VerdictFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRewardBreakdown_Scalar(t *testing.T) {
	if got := (RewardBreakdown{Combined: 1}).Scalar(); got != 1 {
		t.Errorf("Scalar(1) = %v", got)
	}
	if got := (RewardBreakdown{Combined: 0}).Scalar(); got != -1 {
		t.Errorf("Scalar(0) = %v", got)
	}
	if got := (RewardBreakdown{Combined: 0.5}).Scalar(); got != 0 {
		t.Errorf("Scalar(0.5) = %v", got)
	}
}
