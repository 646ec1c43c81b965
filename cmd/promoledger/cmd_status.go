// Package main: read-only inspection commands. Neither takes the
// single-writer lock; they only read the durable files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"promoledger/internal/archive"
	"promoledger/internal/checkpoint"
	"promoledger/internal/ledger"
	"promoledger/internal/manifest"
	"promoledger/internal/population"
)

// statusCmd summarizes the durable state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize ledgers, checkpoint and manifest",
	Args:  usageArgs(cobra.NoArgs),
	RunE:  runStatus,
}

// historyCmd shows the provenance of one key
var historyCmd = &cobra.Command{
	Use:   "history <key>",
	Short: "Show archived provenance events for a key",
	Long: `Lists every archived transition for a key: records discarded by
dedupe, drift records that lost promotion, displaced success records,
reject metadata superseded by success-wins, and requeues. This is the
answer to "this key was rejected last week, where did that go".`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runHistory,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ledgers, err := ledger.NewStore(cfg.Paths.DataDir, logger)
	if err != nil {
		return err
	}

	status := map[string]any{}
	for _, name := range []ledger.Name{ledger.Success, ledger.Reject, ledger.Drift} {
		keys, err := ledgers.Keys(name)
		if err != nil {
			return err
		}
		status[string(name)+"_keys"] = len(keys)
	}

	cp, err := checkpoint.Load(cfg.CheckpointPath())
	if err != nil {
		return err
	}
	status["done"] = len(cp.Done)
	status["rejected"] = len(cp.Rejected)
	status["queued"] = len(cp.Queued)

	man, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return err
	}
	status["files_processed"] = len(man.Processed)

	src := population.NewFileSource(cfg.Paths.Population, cfg.Paths.Manual, cfg.Paths.Deny)
	if pop, err := src.Population(scope); err == nil {
		status["population"] = len(pop)
	}

	if holder, err := os.ReadFile(cfg.LockPath()); err == nil {
		status["lock_holder_pid"] = string(holder)
	}

	return printJSON(status)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	arch, err := archive.Open(cfg.ArchivePath())
	if err != nil {
		return fmt.Errorf("open provenance archive: %w", err)
	}
	defer arch.Close()

	events, err := arch.History(args[0])
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Printf("no archived events for %q\n", args[0])
		return nil
	}
	return printJSON(events)
}
