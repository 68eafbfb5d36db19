package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/models"
)

func TestArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{"flags after vector are moved first", []string{"[1,0,0]", "-k", "5"}, []string{"-k", "5", "[1,0,0]"}},
		{"flags first returns unchanged", []string{"-k", "5", "[1,0,0]"}, []string{"-k", "5", "[1,0,0]"}},
		{"stdin marker is not a flag", []string{"-"}, []string{"-"}},
		{"empty args returns unchanged", []string{}, []string{}},
		{"multiple positionals then flags", []string{"a", "b", "-config", "c.yaml"}, []string{"-config", "c.yaml", "a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := argsReorder(tt.args); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("argsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseVector(t *testing.T) {
	for _, in := range []string{"[1,0.5,-2]", "1, 0.5, -2", " [1,0.5,-2] "} {
		got, err := parseVector(in)
		if err != nil {
			t.Fatalf("parseVector(%q): %v", in, err)
		}
		if !reflect.DeepEqual(got, []float32{1, 0.5, -2}) {
			t.Errorf("parseVector(%q) = %v", in, got)
		}
	}
	for _, in := range []string{"", "[]", "[a]", "{}"} {
		if _, err := parseVector(in); err == nil {
			t.Errorf("parseVector(%q) should fail", in)
		}
	}
}

func TestParseObject(t *testing.T) {
	got, err := parseObject(`{"group":"x"}`)
	if err != nil || got["group"] != "x" {
		t.Fatalf("parseObject = %v, %v", got, err)
	}
	if got, err := parseObject(""); err != nil || got != nil {
		t.Errorf("empty metadata = %v, %v", got, err)
	}
	if _, err := parseObject("[1]"); err == nil {
		t.Error("array metadata should fail")
	}
}

func TestReadRecords(t *testing.T) {
	in := `{"id":"a","embedding":[1,0,0],"metadata":{"group":"x"}}

{"embedding":[0,1,0]}
`
	var got []*models.VectorRecord
	err := readRecords(strings.NewReader(in), func(r *models.VectorRecord) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "" || len(got[1].Embedding) != 3 {
		t.Errorf("records = %+v", got)
	}

	err = readRecords(strings.NewReader("{\"id\":\"a\"}\nnot json\n"), func(*models.VectorRecord) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line 2 error, got %v", err)
	}
}

func TestInitConfigAndComponents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etc", "config.yaml")
	cfg, err := initConfig(path, filepath.Join(dir, "data"), 3, "euclidean", "hnsw", "scalar", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := initConfig(path, "", 3, "euclidean", "hnsw", "scalar", false); err == nil {
		t.Error("second init without force should fail")
	}
	if _, err := initConfig(path, "", 3, "manhattan", "hnsw", "scalar", true); err == nil {
		t.Error("unknown metric should fail")
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Vector.Dimensions != 3 || loaded.Vector.Metric != "euclidean" || loaded.Quantization.Method != "scalar" {
		t.Errorf("loaded config = %+v", loaded.Vector)
	}
	if loaded.Storage.DatabasePath != cfg.Storage.DatabasePath {
		t.Errorf("database path %q, want %q", loaded.Storage.DatabasePath, cfg.Storage.DatabasePath)
	}

	c, err := initializeComponents(context.Background(), loaded, zap.NewNop(), true)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Learning == nil || c.KeywordIndex == nil || c.Metrics == nil {
		t.Fatalf("learning components missing: %+v", c)
	}
	if c.Engine.Dimension() != 3 {
		t.Errorf("dimension = %d", c.Engine.Dimension())
	}
}
