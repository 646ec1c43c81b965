// Package main: the audit, run-loop and requeue commands.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runOnce      bool
	runIngestRaw bool
)

// auditCmd checks the ledgers, checkpoint and population against each other
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit ledgers and checkpoint against the population",
	Long: `Recomputes lifecycle state from the ledgers and asserts the set
identity |P| = |D| + |R| + |M| + |U| over the ground-truth population.
Violations name the offending keys and map to distinct exit codes so a
calling batch loop can branch: 4 for identity or stale-checkpoint
violations, 5 for duplicate keys that survived dedupe.

The audit never mutates state; run 'recover' to repair a failure.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runAudit,
}

// runCmd executes reconciliation cycles
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run reconciliation cycles until interrupted",
	Long: `Runs full cycles (consolidate, dedupe, promote, sync, audit) in a
loop, sleeping the configured interval between cycles and waking early
when new raw files arrive. A cycle whose audit fails runs the recovery
sequence once; if the re-audit still fails the loop stops with the
violation rather than retrying forever.

With --once a single cycle runs and the command exits.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runLoop,
}

// requeueCmd moves transient rejects back to the retry queue
var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move transient-classified rejects back to the retry queue",
	Long: `Scans the reject ledger and re-queues failures that look transient
(timeouts, connection resets, rate limits). Hard failures such as "not
found" stay rejected; retrying those only burns generator quota.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runRequeue,
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single cycle and exit")
	runCmd.Flags().BoolVar(&runIngestRaw, "ingest-raw", false,
		"Also fold raw reject files (default: skip, already superseded)")
}

func runAudit(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	report, aerr := p.Audit(scope)
	if report != nil {
		if perr := printJSON(report); perr != nil {
			return perr
		}
	}
	return aerr
}

func runLoop(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if runOnce {
		rep, cerr := p.Cycle(ctx, cycleOptions(runIngestRaw))
		if rep != nil {
			if perr := printJSON(rep); perr != nil {
				return perr
			}
		}
		return cerr
	}

	err = p.RunLoop(ctx, cycleOptions(runIngestRaw))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runRequeue(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	sum, err := p.Requeue()
	if err != nil {
		return err
	}
	return printJSON(sum)
}
