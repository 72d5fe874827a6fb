package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neurosynth/metapub/internal/config"
	"github.com/neurosynth/metapub/internal/logging"
	"github.com/neurosynth/metapub/internal/telemetry"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath  string
	jsonOutput  bool
	verboseFlag bool

	cfg config.Config
	log *slog.Logger

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "metapub",
	Short:         "Publish meta-analysis results to the image and study archives",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verboseFlag {
			level = "debug"
		}
		log, err = logging.New(os.Stderr, level, cfg.Log.Format)
		if err != nil {
			return err
		}

		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		return telemetry.Init(rootCtx, telemetry.Config{
			Enabled:      cfg.Telemetry.Enabled,
			Stdout:       cfg.Telemetry.Stdout,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			ServiceName:  "metapub",
			Version:      Version,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(context.Background())
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./metapub.yaml, then the user config dir)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddGroup(&cobra.Group{ID: "run", Title: "Running the Pipeline:"})
	rootCmd.AddGroup(&cobra.Group{ID: "inspect", Title: "Inspecting Results:"})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		FatalError("%v", err)
	}
}
