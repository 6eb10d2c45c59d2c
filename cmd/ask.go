package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docloop/docloop/internal/llm"
	"github.com/docloop/docloop/internal/retrieval"
)

var askShowSources bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a one-shot question without the review loop",
	Long: `Retrieves context and streams an answer directly to the terminal.
Unlike the server's conversation flow, there is no human review step
and the answer is not recorded as validated.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exitOnError(runAsk(strings.Join(args, " ")))
	},
}

func init() {
	askCmd.Flags().BoolVar(&askShowSources, "sources", false, "print retrieved sources before the answer")
	rootCmd.AddCommand(askCmd)
}

func runAsk(question string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
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

	result, err := newRetriever(cfg, store).Retrieve(ctx, question)
	if err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}

	if askShowSources {
		if len(result.Candidates) == 0 {
			fmt.Println("No relevant documentation found; answering from base knowledge.")
		}
		for i, c := range result.Candidates {
			fmt.Printf("[%d] %s (%s, confidence %.2f)\n", i+1, c.SourceFile, c.Provenance, c.Confidence)
		}
		fmt.Println()
	}

	var sys strings.Builder
	sys.WriteString("You are a documentation assistant. Answer the user's question clearly and accurately.\n")
	if len(result.Candidates) > 0 {
		sys.WriteString("\nRELEVANT DOCUMENTATION CONTEXT:\n")
		sys.WriteString(retrieval.FormatContext(result.Candidates))
		sys.WriteString("\n")
	}

	resp, err := provider.Stream(ctx, llm.CompletionRequest{
		Model: cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: sys.String()},
			{Role: llm.RoleUser, Content: question},
		},
	}, func(text string) {
		fmt.Print(text)
	})
	if err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	fmt.Println()

	if verbose {
		cost := llm.EstimateCost(cfg.Model, resp.InputTokens, resp.OutputTokens)
		fmt.Printf("\n(%d input + %d output tokens, ~$%.4f)\n", resp.InputTokens, resp.OutputTokens, cost)
	}
	return nil
}
