// Package cmd implements the curvecpctl command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/curvecp/pkg/config"
	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/logging"
	"github.com/strand-protocol/strand/curvecp/pkg/output"
	"github.com/strand-protocol/strand/curvecp/pkg/registry"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	keyFile      string
	registryFlag string
	logLevel     string
	dryRun       bool // --dry-run: print actions without executing them
	yesFlag      bool // --yes: skip confirmation prompts for destructive operations

	// Shared state set during PersistentPreRun
	cfg       *config.Config
	logger    zerolog.Logger
	formatter output.Formatter
	store     registry.Store
	// injectedStore, when set by tests, replaces the configured registry.
	injectedStore registry.Store
	// injectedFormatter, when set by tests, replaces the configured formatter.
	injectedFormatter output.Formatter
)

// rootCmd is the base command for curvecpctl.
var rootCmd = &cobra.Command{
	Use:   "curvecpctl",
	Short: "CurveCP CLI: generate keys, serve and send encrypted streams, manage peers",
	Long: `curvecpctl drives the CurveCP secure transport. It generates long-term
key pairs, runs a listener that receives or echoes encrypted streams,
sends files to a listener, and manages the registry of authorized peers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		store = nil
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path, cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if outputFormat != "" {
			cfg.OutputFormat = outputFormat
		}
		if keyFile != "" {
			cfg.KeyFile = keyFile
		}
		if cfg.KeyFile == "" {
			cfg.KeyFile = keys.DefaultPath()
		}
		if registryFlag != "" {
			cfg.Registry.Backend = registryFlag
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		formatter = output.NewFormatter(cfg.OutputFormat)
		if injectedFormatter != nil {
			formatter = injectedFormatter
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store != nil && store != injectedStore {
			err := store.Close()
			store = nil
			return err
		}
		store = nil
		return nil
	},
}

// openStore returns the registry selected by the configuration.
func openStore() (registry.Store, error) {
	if store != nil {
		return store, nil
	}
	if injectedStore != nil {
		store = injectedStore
		return store, nil
	}
	s, err := registry.Open(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	store = s
	return store, nil
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// SetStore allows tests to inject a registry.
func SetStore(s registry.Store) {
	injectedStore = s
}

// SetFormatter allows tests to inject a formatter.
func SetFormatter(f output.Formatter) {
	injectedFormatter = f
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.curvecp/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", "", "secret key file (default is ~/.curvecp/secret.key)")
	rootCmd.PersistentFlags().StringVar(&registryFlag, "registry", "", "peer registry backend: memory, etcd, postgres")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "print actions that would be taken without executing them")
	rootCmd.PersistentFlags().BoolVar(&yesFlag, "yes", false, "skip confirmation prompts for destructive operations")
}
