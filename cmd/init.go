package cmd

import (
	"github.com/spf13/cobra"

	"github.com/docloop/docloop/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .docloop.yml config interactively",
	Run: func(cmd *cobra.Command, args []string) {
		_, err := config.RunWizard()
		exitOnError(err)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
