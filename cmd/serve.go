package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mcpfed/internal/app"
	"mcpfed/internal/config"
	"mcpfed/pkg/logging"
)

var (
	serveDebug      bool
	serveConfigPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aggregator and its background health loop",
	Long: `Starts the aggregator: loads the configuration, registers and connects
the configured backend servers, discovers their tools, and runs the
periodic health sweep until terminated.

Configuration is read from config.yaml in the configuration directory
(default ~/.config/mcpfed, override with --config-path).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, cmd.ErrOrStderr())

	configPath := serveConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory path")
}
