package vectordb

import "time"

// ChunkKind categorizes the body of a document chunk.
type ChunkKind string

const (
	ChunkText  ChunkKind = "text"
	ChunkCode  ChunkKind = "code"
	ChunkMixed ChunkKind = "mixed"
)

// Document represents one ingested chunk of documentation.
type Document struct {
	ID       string
	Content  string
	Metadata DocumentMetadata
}

// DocumentMetadata holds structured information about a chunk.
type DocumentMetadata struct {
	SourceFile string
	Section    string
	Kind       ChunkKind
	HasCode    bool
	IndexedAt  time.Time
}

// SearchResult pairs a document with its similarity score.
type SearchResult struct {
	Document   Document
	Similarity float32
}

// ValidatedAnswer is a human-approved answer stored for future retrieval.
type ValidatedAnswer struct {
	ID             string
	Answer         string
	Query          string
	ConversationID string
	Feedback       string
	SourceFiles    []string
	ApprovedAt     time.Time
}

// ValidatedResult pairs a validated answer with its similarity score.
type ValidatedResult struct {
	Answer     ValidatedAnswer
	Similarity float32
}
