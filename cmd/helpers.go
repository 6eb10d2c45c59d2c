package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docloop/docloop/internal/config"
	"github.com/docloop/docloop/internal/embeddings"
	"github.com/docloop/docloop/internal/llm"
	"github.com/docloop/docloop/internal/retrieval"
	"github.com/docloop/docloop/internal/vectordb"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `docloop init` to create a config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// createEmbedderFromConfig creates an embeddings.Embedder based on config.
func createEmbedderFromConfig(cfg *config.Config) (embeddings.Embedder, error) {
	provider := cfg.EmbeddingProvider
	if provider == "" {
		provider = cfg.Provider
	}
	model := cfg.EmbeddingModel

	switch provider {
	case config.ProviderOllama:
		if model == "" {
			model = "nomic-embed-text"
		}
		return embeddings.NewOllamaEmbedder(model, 768, os.Getenv("OLLAMA_HOST")), nil
	default:
		apiKey := os.Getenv(config.APIKeyEnvVar(config.ProviderOpenAI))
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required for OpenAI embeddings")
		}
		if model == "" {
			model = string(embeddings.ModelTextEmbedding3Small)
		}
		return embeddings.NewOpenAIEmbedder(apiKey, embeddings.OpenAIModel(model)), nil
	}
}

// createLLMProviderFromConfig creates the configured LLM provider,
// wrapped with the configured rate limit.
func createLLMProviderFromConfig(cfg *config.Config) (llm.Provider, error) {
	provider, err := llm.NewProvider(string(cfg.Provider), cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerMinute > 0 {
		provider = llm.NewRateLimitedProvider(provider, cfg.RequestsPerMinute)
	}
	return provider, nil
}

// openVectorStore creates the chromem store and loads persisted data
// from the data directory when present.
func openVectorStore(ctx context.Context, cfg *config.Config, embedder embeddings.Embedder) (*vectordb.ChromemStore, error) {
	store, err := vectordb.NewChromemStore(embedder)
	if err != nil {
		return nil, fmt.Errorf("creating vector store: %w", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "chromem.gob.gz")); err == nil {
		if err := store.Load(ctx, cfg.DataDir); err != nil {
			return nil, fmt.Errorf("loading vector store: %w", err)
		}
	}
	return store, nil
}

// newRetriever builds the tiered retriever from config.
func newRetriever(cfg *config.Config, store vectordb.VectorStore) *retrieval.Retriever {
	return retrieval.NewRetriever(store,
		float32(cfg.Retrieval.ConfidenceThreshold),
		cfg.Retrieval.TopK,
		time.Duration(cfg.Retrieval.CacheTTLHours)*time.Hour)
}
