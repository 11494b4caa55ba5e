package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the mcpfed application.
var rootCmd = &cobra.Command{
	Use:   "mcpfed",
	Short: "Aggregate many MCP servers behind one tool namespace",
	Long: `mcpfed registers backend MCP servers over stdio, SSE, or streamable
HTTP, discovers their tools into one namespaced catalog with semantic
search, and routes tool invocations back to the right backend.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main to
// inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpfed version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
