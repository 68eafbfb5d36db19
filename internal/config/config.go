// Package config provides configuration loading and structs for the agentdb engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug        bool               `yaml:"debug"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Vector       VectorConfig       `yaml:"vector"`
	HNSW         HNSWConfig         `yaml:"hnsw"`
	Quantization QuantizationConfig `yaml:"quantization"`
	Cache        CacheConfig        `yaml:"cache"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Learning     LearningConfig     `yaml:"learning"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database, the persisted graph and the keyword index.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	IndexPath        string `yaml:"index_path"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
}

// VectorConfig fixes the embedding space of a store.
type VectorConfig struct {
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`     // cosine, euclidean, dot
	IndexType  string `yaml:"index_type"` // hnsw, flat
}

// HNSWConfig holds graph construction and query parameters.
type HNSWConfig struct {
	M              int   `yaml:"m"`
	EfConstruction int   `yaml:"ef_construction"`
	EfSearch       int   `yaml:"ef_search"`
	Seed           int64 `yaml:"seed"`
	MaxElements    int   `yaml:"max_elements"`
}

// QuantizationConfig selects the codec used for compressed search.
type QuantizationConfig struct {
	Method             string  `yaml:"method"`    // none, binary, scalar, product
	Threshold          string  `yaml:"threshold"` // median, fixed (binary only)
	Mode               string  `yaml:"mode"`      // asymmetric, symmetric
	FixedThreshold     float32 `yaml:"fixed_threshold"`
	Subvectors         int     `yaml:"subvectors"`
	MinTrainingSamples int     `yaml:"min_training_samples"`
	Oversample         int     `yaml:"oversample"`
}

// CacheConfig bounds the query result cache.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// EmbeddingConfig selects how experience states are turned into vectors. The output dimension
// is always vector.dimensions so experiences share the store with other vectors.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // hash, onnx
	ModelPath string `yaml:"model_path"`
	MaxTokens int    `yaml:"max_tokens"`
	CacheSize int    `yaml:"cache_size"`
}

// LearningConfig holds reinforcement learning defaults applied to new sessions.
type LearningConfig struct {
	Algorithm       string  `yaml:"algorithm"` // q_learning, sarsa
	LearningRate    float64 `yaml:"learning_rate"`
	Discount        float64 `yaml:"discount"`
	EpsilonStart    float64 `yaml:"epsilon_start"`
	EpsilonDecay    float64 `yaml:"epsilon_decay"`
	EpsilonMin      float64 `yaml:"epsilon_min"`
	BufferCapacity  int     `yaml:"buffer_capacity"`
	StateBuckets    int     `yaml:"state_buckets"`
	BaselineWindow  int     `yaml:"baseline_window"`
	TokenBudget     float64 `yaml:"token_budget"`
	MaxTaskDistance float64 `yaml:"max_task_distance"`
	MinExperiences  int     `yaml:"min_experiences"`
	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects values that cannot be fixed by defaults.
func Validate(cfg *Config) error {
	switch cfg.Vector.Metric {
	case "cosine", "euclidean", "dot":
	default:
		return fmt.Errorf("unknown vector metric %q (supported: cosine, euclidean, dot)", cfg.Vector.Metric)
	}
	switch cfg.Quantization.Method {
	case "none", "binary", "scalar", "product":
	default:
		return fmt.Errorf("unknown quantization method %q (supported: none, binary, scalar, product)", cfg.Quantization.Method)
	}
	if cfg.Quantization.Method == "product" && cfg.Vector.Dimensions%cfg.Quantization.Subvectors != 0 {
		return fmt.Errorf("product quantization: dimensions %d not divisible by subvectors %d",
			cfg.Vector.Dimensions, cfg.Quantization.Subvectors)
	}
	switch cfg.Embedding.Provider {
	case "hash":
	case "onnx":
		if cfg.Embedding.ModelPath == "" {
			return fmt.Errorf("embedding provider onnx requires model_path")
		}
	default:
		return fmt.Errorf("unknown embedding provider %q (supported: hash, onnx)", cfg.Embedding.Provider)
	}
	switch cfg.Learning.Algorithm {
	case "q_learning", "sarsa":
	default:
		return fmt.Errorf("unknown learning algorithm %q (supported: q_learning, sarsa)", cfg.Learning.Algorithm)
	}
	if cfg.Learning.EpsilonMin > cfg.Learning.EpsilonStart {
		return fmt.Errorf("epsilon_min %.3f exceeds epsilon_start %.3f", cfg.Learning.EpsilonMin, cfg.Learning.EpsilonStart)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
