package retrieval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/docloop/docloop/internal/vectordb"
)

const (
	validatedBoost  = 1.15
	exactQueryBoost = 1.2
	chunkPenalty    = 0.9
	codePenalty     = 0.9
)

// Retriever runs the tiered retrieval pipeline: query cache, then
// validated answers, then raw documentation chunks.
type Retriever struct {
	store     vectordb.VectorStore
	cache     *gocache.Cache
	threshold float32
	topK      int
}

// NewRetriever creates a retriever over the given vector store.
// Results are cached per normalized query for cacheTTL.
func NewRetriever(store vectordb.VectorStore, threshold float32, topK int, cacheTTL time.Duration) *Retriever {
	return &Retriever{
		store:     store,
		cache:     gocache.New(cacheTTL, 10*time.Minute),
		threshold: threshold,
		topK:      topK,
	}
}

// Retrieve gathers supporting context for a question. A validated answer
// scoring at or above the confidence threshold short-circuits the chunk
// search entirely.
func (r *Retriever) Retrieve(ctx context.Context, query string) (Result, error) {
	key := normalizeQuery(query)

	if cached, found := r.cache.Get(key); found {
		result := cached.(Result)
		log.Printf("retrieval: cache hit for %q (%d candidates)", key, len(result.Candidates))
		return markCached(result), nil
	}

	validated, err := r.store.SearchValidated(ctx, query, r.topK)
	if err != nil {
		return Result{}, fmt.Errorf("search validated: %w", err)
	}

	candidates := make([]Candidate, 0, len(validated))
	for _, v := range validated {
		score := v.Similarity * validatedBoost
		if normalizeQuery(v.Answer.Query) == key {
			score *= exactQueryBoost
		}
		candidates = append(candidates, Candidate{
			Content:    v.Answer.Answer,
			Provenance: ProvenanceValidated,
			Confidence: clampScore(score),
			SourceFile: firstOrEmpty(v.Answer.SourceFiles),
		})
	}

	if best := maxConfidence(candidates); best >= r.threshold {
		log.Printf("retrieval: validated answer short-circuit for %q (confidence %.2f)", key, best)
		result := Result{Candidates: topK(candidates, r.topK), Confidence: best}
		r.cache.Set(key, result, gocache.DefaultExpiration)
		return result, nil
	}

	chunks, err := r.store.SearchChunks(ctx, query, r.topK)
	if err != nil {
		return Result{}, fmt.Errorf("search chunks: %w", err)
	}
	for _, c := range chunks {
		score := c.Similarity * chunkPenalty
		if c.Document.Metadata.Kind == vectordb.ChunkCode {
			score *= codePenalty
		}
		candidates = append(candidates, Candidate{
			Content:    c.Document.Content,
			Provenance: ProvenanceChunk,
			Confidence: clampScore(score),
			SourceFile: c.Document.Metadata.SourceFile,
			Section:    c.Document.Metadata.Section,
		})
	}

	candidates = topK(dedupe(candidates), r.topK)
	result := Result{Candidates: candidates, Confidence: maxConfidence(candidates)}
	r.cache.Set(key, result, gocache.DefaultExpiration)
	return result, nil
}

// RecordValidated stores a human-approved answer for future retrieval
// and drops cached results so the new answer becomes visible.
func (r *Retriever) RecordValidated(ctx context.Context, answer vectordb.ValidatedAnswer) error {
	if err := r.store.AddValidated(ctx, answer); err != nil {
		return fmt.Errorf("record validated answer: %w", err)
	}
	r.cache.Flush()
	log.Printf("retrieval: recorded validated answer for %q", answer.Query)
	return nil
}

// CacheSize returns the number of cached query results.
func (r *Retriever) CacheSize() int {
	return r.cache.ItemCount()
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// dedupe drops candidates with identical content, keeping the
// higher-confidence occurrence.
func dedupe(candidates []Candidate) []Candidate {
	best := map[[32]byte]Candidate{}
	var order [][32]byte
	for _, c := range candidates {
		h := sha256.Sum256([]byte(strings.TrimSpace(c.Content)))
		existing, ok := best[h]
		if !ok {
			order = append(order, h)
			best[h] = c
			continue
		}
		if c.Confidence > existing.Confidence {
			best[h] = c
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, h := range order {
		out = append(out, best[h])
	}
	return out
}

func topK(candidates []Candidate, k int) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

func maxConfidence(candidates []Candidate) float32 {
	var best float32
	for _, c := range candidates {
		if c.Confidence > best {
			best = c.Confidence
		}
	}
	return best
}

func markCached(result Result) Result {
	marked := Result{Candidates: make([]Candidate, len(result.Candidates)), Confidence: result.Confidence}
	for i, c := range result.Candidates {
		c.Provenance = ProvenanceCached
		marked.Candidates[i] = c
	}
	return marked
}

func clampScore(score float32) float32 {
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}

func firstOrEmpty(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}
