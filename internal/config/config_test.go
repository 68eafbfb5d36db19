package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
vector:
  dimensions: 128
  metric: euclidean
hnsw:
  m: 24
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Vector.Dimensions != 128 || cfg.Vector.Metric != "euclidean" {
		t.Errorf("unexpected vector config: %+v", cfg.Vector)
	}
	if cfg.HNSW.M != 24 || cfg.HNSW.EfConstruction != 200 {
		t.Errorf("unexpected hnsw config: %+v", cfg.HNSW)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  database_path: "./data/agentdb.sqlite"
  index_path: "./data/hnsw.bin"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "agentdb.sqlite")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	wantIndex := filepath.Join(dir, "data", "hnsw.bin")
	if cfg.Storage.IndexPath != wantIndex {
		t.Errorf("index_path = %s, want %s", cfg.Storage.IndexPath, wantIndex)
	}
}

func TestLoad_rejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown metric", "vector:\n  metric: manhattan\n"},
		{"unknown quantizer", "quantization:\n  method: lattice\n"},
		{"indivisible subvectors", "vector:\n  dimensions: 10\nquantization:\n  method: product\n  subvectors: 4\n"},
		{"unknown algorithm", "learning:\n  algorithm: actor_critic\n"},
		{"onnx without model", "embedding:\n  provider: onnx\n"},
		{"epsilon floor above start", "learning:\n  epsilon_start: 0.05\n  epsilon_min: 0.2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.HNSW.M != 16 || cfg.HNSW.EfConstruction != 200 || cfg.HNSW.EfSearch != 64 {
		t.Errorf("hnsw defaults: got %+v", cfg.HNSW)
	}
	if cfg.Quantization.MinTrainingSamples != 256 || cfg.Quantization.Oversample != 10 {
		t.Errorf("quantization defaults: got %+v", cfg.Quantization)
	}
	l := cfg.Learning
	if l.LearningRate != 0.1 || l.Discount != 0.95 {
		t.Errorf("learning rate/discount: got %v/%v", l.LearningRate, l.Discount)
	}
	if l.EpsilonStart != 0.1 || l.EpsilonDecay != 0.995 || l.EpsilonMin != 0.01 {
		t.Errorf("epsilon schedule: got %v/%v/%v", l.EpsilonStart, l.EpsilonDecay, l.EpsilonMin)
	}
	if l.BufferCapacity != 10000 {
		t.Errorf("buffer capacity: got %d", l.BufferCapacity)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
	}
	ApplyDefaults(cfg)
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if loaded.Storage.DatabasePath != "/tmp/db" {
		t.Errorf("loaded database_path: got %s", loaded.Storage.DatabasePath)
	}
}
