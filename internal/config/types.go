package config

// ProviderType identifies an LLM or embedding provider.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
)

// Config is the top-level docloop configuration, corresponding to .docloop.yml.
type Config struct {
	Provider          ProviderType    `yaml:"provider" koanf:"provider"`
	Model             string          `yaml:"model" koanf:"model"`
	EmbeddingProvider ProviderType    `yaml:"embedding_provider" koanf:"embedding_provider"`
	EmbeddingModel    string          `yaml:"embedding_model" koanf:"embedding_model"`
	DataDir           string          `yaml:"data_dir" koanf:"data_dir"`
	Port              int             `yaml:"port" koanf:"port"`
	RequestsPerMinute int             `yaml:"requests_per_minute" koanf:"requests_per_minute"`
	Retrieval         RetrievalConfig `yaml:"retrieval" koanf:"retrieval"`
	Ingest            IngestConfig    `yaml:"ingest" koanf:"ingest"`
}

// RetrievalConfig tunes the tiered context retrieval.
type RetrievalConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" koanf:"confidence_threshold"`
	TopK                int     `yaml:"top_k" koanf:"top_k"`
	CacheTTLHours       int     `yaml:"cache_ttl_hours" koanf:"cache_ttl_hours"`
}

// IngestConfig tunes document chunking.
type IngestConfig struct {
	ChunkSize       int `yaml:"chunk_size" koanf:"chunk_size"`
	ChunkOverlap    int `yaml:"chunk_overlap" koanf:"chunk_overlap"`
	MaxChunksPerDoc int `yaml:"max_chunks_per_doc" koanf:"max_chunks_per_doc"`
}
