package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sceneforge/internal/config"
	"sceneforge/internal/logging"
)

var (
	// Global flags
	configPath string
	workspace  string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sceneforge",
	Short: "sceneforge - self-correcting scene code generation and rendering",
	Long: `sceneforge turns a prompt into scene code, renders it in a sandboxed
child process, and repairs render failures automatically.

Failures are classified, recorded in a persistent knowledge base, fixed
deterministically where a known rewrite applies, and otherwise handed to the
model for a targeted repair. Sessions run under a wall-clock budget and
terminate on success, stagnation, or exhaustion.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("debug logging unavailable", zap.Error(err))
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "sceneforge.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
