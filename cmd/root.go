package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "docloop",
	Short: "Human-in-the-loop documentation Q&A assistant",
	Long: `docloop answers questions from your documentation with a human in the
loop: it retrieves relevant context, streams a draft answer, and waits
for a reviewer to approve or give feedback before finalizing. Approved
answers feed back into the knowledge base, so similar questions are
answered with higher confidence next time.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".docloop.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
