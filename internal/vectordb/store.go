package vectordb

import "context"

// VectorStore defines the interface for storing and searching documentation
// chunks and human-validated answers by embedding similarity.
type VectorStore interface {
	// AddChunks adds or updates document chunks in the store.
	AddChunks(ctx context.Context, docs []Document) error

	// SearchChunks performs a semantic search over document chunks.
	SearchChunks(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// AddValidated records a human-approved answer.
	AddValidated(ctx context.Context, answer ValidatedAnswer) error

	// SearchValidated performs a semantic search over validated answers.
	SearchValidated(ctx context.Context, query string, limit int) ([]ValidatedResult, error)

	// Persist saves the store's data to the given directory.
	Persist(ctx context.Context, dir string) error

	// Load restores the store's data from the given directory.
	Load(ctx context.Context, dir string) error

	// ChunkCount returns the number of document chunks in the store.
	ChunkCount() int

	// ValidatedCount returns the number of validated answers in the store.
	ValidatedCount() int
}
