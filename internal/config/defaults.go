package config

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider:          ProviderOpenAI,
		Model:             "gpt-4o-mini",
		EmbeddingProvider: ProviderOpenAI,
		EmbeddingModel:    "text-embedding-3-small",
		DataDir:           "data",
		Port:              8080,
		RequestsPerMinute: 60,
		Retrieval: RetrievalConfig{
			ConfidenceThreshold: 0.85,
			TopK:                5,
			CacheTTLHours:       24,
		},
		Ingest: IngestConfig{
			ChunkSize:       512,
			ChunkOverlap:    50,
			MaxChunksPerDoc: 100,
		},
	}
}
