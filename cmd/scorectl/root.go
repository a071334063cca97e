package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/your-org/aurum-score/internal/app"
	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/observability"
	"github.com/your-org/aurum-score/internal/vision"
)

// Version is the application version.
const Version = "0.1.0"

var (
	configPath string
	jsonOutput bool
	simulated  bool

	cfg    *config.Config
	stages *vision.Models
	mgr    *jobs.Manager
)

var rootCmd = &cobra.Command{
	Use:     "scorectl",
	Short:   "Score portrait images with the local inference stages",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if simulated {
			cfg.Vision.ForceSimulated = true
		}
		// Keep stdout clean for results.
		observability.SetupLogger("warn", "text")

		engine, m, err := app.BuildEngine(cfg)
		if err != nil {
			return err
		}
		stages = m
		mgr = jobs.NewManager(engine, jobs.NewMemoryStore(), app.ManagerOptions(cfg)...)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stages != nil {
			stages.Close()
		}
	},
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&simulated, "simulated", false, "skip ONNX models and use simulated stages")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
