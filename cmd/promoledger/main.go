// Package main implements the promoledger CLI: the reconciliation layer
// that folds raw generator batches into canonical ledgers, deduplicates
// and promotes records, syncs the checkpoint, and audits the result
// against the ground-truth population.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"promoledger/internal/archive"
	"promoledger/internal/config"
	"promoledger/internal/ledger"
	"promoledger/internal/pipeline"
	"promoledger/internal/population"
)

var (
	// Global flags
	configPath string
	dataDir    string
	scope      string
	limit      int
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "promoledger",
	Short: "promoledger - batch reconciliation for generated promo content",
	Long: `promoledger reconciles the output of a batch content generator into
canonical, audited ledgers.

Raw batch files are folded exactly once into success/reject ledgers,
duplicate keys are resolved by a deterministic quality score, drift
records are arbitrated against the canonical ledger, and every cycle
ends with a set-identity audit against the ground-truth population.

Exit codes: 0 ok, 2 invalid arguments, 3 lock held, 4 invariant
violation, 5 duplicate keys post-run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A broken config file falls back to default logging here; the
		// command's own loadConfig surfaces the error with the usage
		// exit code.
		lc := config.DefaultConfig().Logging
		if cfg, err := config.Load(configPath); err == nil {
			lc = cfg.Logging
		}
		var err error
		logger, err = buildLogger(lc)
		if err != nil {
			return fmt.Errorf("%w: %v", pipeline.ErrInvalidArgs, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	// Flag and argument parse failures map to the usage exit code, same
	// as config and missing-file errors.
	rootCmd.Args = usageArgs(cobra.NoArgs)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidArgs, err)
	})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "promoledger.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&scope, "scope", "", "Restrict to a named sub-population")
	rootCmd.PersistentFlags().IntVar(&limit, "limit", 0, "Max new raw files folded per run (0 = unlimited)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(dedupeCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(pipeline.ExitCode(err))
}

// usageArgs wraps a positional-args validator so its failures carry the
// usage exit code.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", pipeline.ErrInvalidArgs, err)
		}
		return nil
	}
}

// buildLogger constructs the process logger from the logging config
// section. The --verbose flag forces debug regardless of the configured
// level.
func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	switch lc.Format {
	case "", "json":
	case "text":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
	if lc.Level != "" {
		lvl, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("unknown log level %q", lc.Level)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if lc.File != "" {
		zcfg.OutputPaths = []string{lc.File}
	}
	return zcfg.Build()
}

// loadConfig loads and validates the config with flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidArgs, err)
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidArgs, err)
	}
	return cfg, nil
}

// newPipeline builds the component graph for one invocation. The returned
// cleanup closes the provenance archive.
func newPipeline() (*pipeline.Pipeline, *config.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := os.Stat(cfg.Paths.Population); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: population file %s: %v",
			pipeline.ErrInvalidArgs, cfg.Paths.Population, err)
	}

	ledgers, err := ledger.NewStore(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	source := population.NewFileSource(cfg.Paths.Population, cfg.Paths.Manual, cfg.Paths.Deny)

	arch, err := archive.Open(cfg.ArchivePath())
	if err != nil {
		// The pipeline stays correct without provenance; log and go on.
		logger.Warn("provenance archive unavailable", zap.Error(err))
		arch = nil
	}
	cleanup := func() {
		if arch != nil {
			_ = arch.Close()
		}
	}

	return pipeline.New(cfg, ledgers, source, arch, logger), cfg, cleanup, nil
}

func cycleOptions(ingestRaw bool) pipeline.CycleOptions {
	return pipeline.CycleOptions{Scope: scope, Limit: limit, IngestRaw: ingestRaw}
}

// printJSON writes the machine-checkable summary operators diff between
// runs.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
