package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/agentdb/agentdb.sqlite"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "/usr/local/var/agentdb/indices/hnsw.bin"
	}
	if cfg.Storage.KeywordIndexPath == "" {
		cfg.Storage.KeywordIndexPath = "/usr/local/var/agentdb/indices/experiences.bleve"
	}
	if cfg.Vector.Dimensions == 0 {
		cfg.Vector.Dimensions = 384
	}
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = "cosine"
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "hnsw"
	}
	if cfg.HNSW.M == 0 {
		cfg.HNSW.M = 16
	}
	if cfg.HNSW.EfConstruction == 0 {
		cfg.HNSW.EfConstruction = 200
	}
	if cfg.HNSW.EfSearch == 0 {
		cfg.HNSW.EfSearch = 64
	}
	if cfg.HNSW.Seed == 0 {
		cfg.HNSW.Seed = 42
	}
	if cfg.Quantization.Method == "" {
		cfg.Quantization.Method = "binary"
	}
	if cfg.Quantization.Threshold == "" {
		cfg.Quantization.Threshold = "median"
	}
	if cfg.Quantization.Mode == "" {
		cfg.Quantization.Mode = "asymmetric"
	}
	if cfg.Quantization.Subvectors == 0 {
		cfg.Quantization.Subvectors = 8
	}
	if cfg.Quantization.MinTrainingSamples == 0 {
		cfg.Quantization.MinTrainingSamples = 256
	}
	if cfg.Quantization.Oversample == 0 {
		cfg.Quantization.Oversample = 10
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = 1000
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	applyLearningDefaults(&cfg.Learning)
}

func applyLearningDefaults(l *LearningConfig) {
	if l.Algorithm == "" {
		l.Algorithm = "q_learning"
	}
	if l.LearningRate == 0 {
		l.LearningRate = 0.1
	}
	if l.Discount == 0 {
		l.Discount = 0.95
	}
	if l.EpsilonStart == 0 {
		l.EpsilonStart = 0.1
	}
	if l.EpsilonDecay == 0 {
		l.EpsilonDecay = 0.995
	}
	if l.EpsilonMin == 0 {
		l.EpsilonMin = 0.01
	}
	if l.BufferCapacity == 0 {
		l.BufferCapacity = 10000
	}
	if l.StateBuckets == 0 {
		l.StateBuckets = 12
	}
	if l.BaselineWindow == 0 {
		l.BaselineWindow = 100
	}
	if l.TokenBudget == 0 {
		l.TokenBudget = 1000
	}
	if l.MaxTaskDistance == 0 {
		l.MaxTaskDistance = 0.35
	}
	if l.MinExperiences == 0 {
		l.MinExperiences = 1
	}
	if l.BatchSize == 0 {
		l.BatchSize = 32
	}
	if l.Epochs == 0 {
		l.Epochs = 1
	}
}
