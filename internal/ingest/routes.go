package ingest

import (
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/docloop/docloop/internal/vectordb"
)

// RegisterRoutes mounts document ingestion endpoints on the given router.
func RegisterRoutes(r chi.Router, processor *Processor, store vectordb.VectorStore) {
	r.Route("/api/documents", func(r chi.Router) {
		r.Post("/", handleUpload(processor, store))
		r.Get("/status", handleStatus(store))
	})
}

type uploadRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type uploadResponse struct {
	Filename      string `json:"filename"`
	ChunksCreated int    `json:"chunks_created"`
}

func handleUpload(processor *Processor, store vectordb.VectorStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Filename == "" || strings.TrimSpace(req.Content) == "" {
			http.Error(w, "filename and content are required", http.StatusBadRequest)
			return
		}

		var docs []vectordb.Document
		switch strings.ToLower(filepath.Ext(req.Filename)) {
		case ".md", ".markdown":
			docs = processor.ProcessMarkdown(req.Content, req.Filename)
		default:
			docs = processor.ProcessText(req.Content, req.Filename)
		}

		if err := store.AddChunks(r.Context(), docs); err != nil {
			log.Printf("ingest: indexing %s failed: %v", req.Filename, err)
			http.Error(w, "indexing failed", http.StatusInternalServerError)
			return
		}

		log.Printf("ingest: indexed %s (%d chunks)", req.Filename, len(docs))
		writeJSON(w, http.StatusCreated, uploadResponse{
			Filename:      req.Filename,
			ChunksCreated: len(docs),
		})
	}
}

func handleStatus(store vectordb.VectorStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{
			"total_chunks":    store.ChunkCount(),
			"total_validated": store.ValidatedCount(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
