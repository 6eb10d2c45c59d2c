package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/docloop/docloop/internal/embeddings"
)

const (
	chunksCollection    = "chunks"
	validatedCollection = "validated"
)

// ChromemStore implements VectorStore using chromem-go with two
// collections: raw documentation chunks and human-validated answers.
type ChromemStore struct {
	db        *chromem.DB
	chunks    *chromem.Collection
	validated *chromem.Collection
	embedFunc chromem.EmbeddingFunc
}

// NewChromemStore creates a new in-memory ChromemStore.
func NewChromemStore(embedder embeddings.Embedder) (*ChromemStore, error) {
	db := chromem.NewDB()
	ef := embeddings.ToChromemFunc(embedder)

	chunks, err := db.GetOrCreateCollection(chunksCollection, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("create chunks collection: %w", err)
	}
	validated, err := db.GetOrCreateCollection(validatedCollection, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("create validated collection: %w", err)
	}

	return &ChromemStore{
		db:        db,
		chunks:    chunks,
		validated: validated,
		embedFunc: ef,
	}, nil
}

func (s *ChromemStore) AddChunks(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	chromDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromDocs[i] = chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: chunkMetadataToMap(doc.Metadata),
		}
	}

	return s.chunks.AddDocuments(ctx, chromDocs, 1)
}

func (s *ChromemStore) SearchChunks(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	limit = clampLimit(limit, s.chunks.Count())
	if limit == 0 {
		return nil, nil
	}

	results, err := s.chunks.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem chunk query: %w", err)
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			Document: Document{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: mapToChunkMetadata(r.Metadata),
			},
			Similarity: r.Similarity,
		}
	}
	return out, nil
}

func (s *ChromemStore) AddValidated(ctx context.Context, answer ValidatedAnswer) error {
	sourceFiles, err := json.Marshal(answer.SourceFiles)
	if err != nil {
		return fmt.Errorf("marshal source files: %w", err)
	}

	doc := chromem.Document{
		ID: answer.ID,
		// The answer body is the embedded content; the originating query
		// travels in metadata so exact-match boosts can find it.
		Content: answer.Answer,
		Metadata: map[string]string{
			"original_query":  answer.Query,
			"conversation_id": answer.ConversationID,
			"feedback":        answer.Feedback,
			"source_files":    string(sourceFiles),
			"approved_at":     answer.ApprovedAt.Format(time.RFC3339),
		},
	}

	return s.validated.AddDocuments(ctx, []chromem.Document{doc}, 1)
}

func (s *ChromemStore) SearchValidated(ctx context.Context, query string, limit int) ([]ValidatedResult, error) {
	limit = clampLimit(limit, s.validated.Count())
	if limit == 0 {
		return nil, nil
	}

	results, err := s.validated.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem validated query: %w", err)
	}

	out := make([]ValidatedResult, len(results))
	for i, r := range results {
		var sourceFiles []string
		json.Unmarshal([]byte(r.Metadata["source_files"]), &sourceFiles)
		approvedAt, _ := time.Parse(time.RFC3339, r.Metadata["approved_at"])

		out[i] = ValidatedResult{
			Answer: ValidatedAnswer{
				ID:             r.ID,
				Answer:         r.Content,
				Query:          r.Metadata["original_query"],
				ConversationID: r.Metadata["conversation_id"],
				Feedback:       r.Metadata["feedback"],
				SourceFiles:    sourceFiles,
				ApprovedAt:     approvedAt,
			},
			Similarity: r.Similarity,
		}
	}
	return out, nil
}

func (s *ChromemStore) Persist(ctx context.Context, dir string) error {
	return s.db.ExportToFile(dir+"/chromem.gob.gz", true, "")
}

func (s *ChromemStore) Load(ctx context.Context, dir string) error {
	if err := s.db.ImportFromFile(dir+"/chromem.gob.gz", ""); err != nil {
		return fmt.Errorf("import from file: %w", err)
	}

	// Re-acquire collection references after import.
	for _, ref := range []struct {
		name string
		dst  **chromem.Collection
	}{
		{chunksCollection, &s.chunks},
		{validatedCollection, &s.validated},
	} {
		col := s.db.GetCollection(ref.name, s.embedFunc)
		if col == nil {
			return fmt.Errorf("collection %q not found after import", ref.name)
		}
		*ref.dst = col
	}
	return nil
}

func (s *ChromemStore) ChunkCount() int {
	return s.chunks.Count()
}

func (s *ChromemStore) ValidatedCount() int {
	return s.validated.Count()
}

// clampLimit bounds limit to the collection size; chromem-go requires
// nResults <= collection size.
func clampLimit(limit, count int) int {
	if limit <= 0 {
		limit = 10
	}
	if limit > count {
		limit = count
	}
	return limit
}

func chunkMetadataToMap(m DocumentMetadata) map[string]string {
	return map[string]string{
		"source_file": m.SourceFile,
		"section":     m.Section,
		"kind":        string(m.Kind),
		"has_code":    strconv.FormatBool(m.HasCode),
		"indexed_at":  m.IndexedAt.Format(time.RFC3339),
	}
}

func mapToChunkMetadata(m map[string]string) DocumentMetadata {
	hasCode, _ := strconv.ParseBool(m["has_code"])
	indexedAt, _ := time.Parse(time.RFC3339, m["indexed_at"])

	return DocumentMetadata{
		SourceFile: m["source_file"],
		Section:    m["section"],
		Kind:       ChunkKind(m["kind"]),
		HasCode:    hasCode,
		IndexedAt:  indexedAt,
	}
}
