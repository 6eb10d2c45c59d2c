package cmd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docloop/docloop/internal/analytics"
	"github.com/docloop/docloop/internal/conversation"
	"github.com/docloop/docloop/internal/db"
	"github.com/docloop/docloop/internal/ingest"
	"github.com/docloop/docloop/internal/server"
)

var serveAllowAll bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the docloop HTTP server",
	Long: `Starts the docloop server: the conversation API, the websocket
streaming surface, document upload and validation analytics.`,
	Run: func(cmd *cobra.Command, args []string) {
		exitOnError(runServe())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveAllowAll, "allow-all-origins", false, "allow all CORS origins (dev mode)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.Open(filepath.Join(cfg.DataDir, "docloop.db"))
	if err != nil {
		return err
	}
	defer database.Close()

	embedder, err := createEmbedderFromConfig(cfg)
	if err != nil {
		return err
	}
	provider, err := createLLMProviderFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openVectorStore(ctx, cfg, embedder)
	if err != nil {
		return err
	}
	log.Printf("serve: vector store loaded (%d chunks, %d validated answers)",
		store.ChunkCount(), store.ValidatedCount())

	retriever := newRetriever(cfg, store)
	analyticsStore := analytics.NewStore(database)
	convStore := conversation.NewStore(database)
	machine := conversation.NewMachine(convStore, retriever, provider, cfg.Model)
	orch := conversation.NewOrchestrator(convStore, machine, analyticsStore)
	processor := ingest.NewProcessor(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap, cfg.Ingest.MaxChunksPerDoc)

	srv := server.New(server.Config{
		Port:     cfg.Port,
		DataDir:  cfg.DataDir,
		AllowAll: serveAllowAll,
	}, database)

	conversation.RegisterRoutes(srv.Router(), orch)
	ingest.RegisterRoutes(srv.Router(), processor, store)
	analytics.RegisterRoutes(srv.Router(), analyticsStore)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("serve: received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("serve: shutdown: %v", err)
	}

	// Validated answers recorded while serving live in memory until
	// persisted here.
	if err := store.Persist(shutdownCtx, cfg.DataDir); err != nil {
		log.Printf("serve: persisting vector store: %v", err)
	}
	return nil
}
