// Package main: the per-stage commands. Each drives one step of the
// reconciliation sequence under the single-writer lock, for operators who
// want to advance the pipeline by hand and inspect the summary between
// steps.
package main

import (
	"github.com/spf13/cobra"
)

var ingestRaw bool

// consolidateCmd folds new raw batch files into the ledgers
var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Fold new raw batch files into the ledgers",
	Long: `Scans the raw directory for batch files not yet recorded in the
manifest, routes each parsed record to the success or reject ledger by
its error field, and diverts key collisions to the drift ledger for
later arbitration. A repeat run over unchanged files is a no-op.

Raw reject files are skipped unless --ingest-raw is set: their failures
are usually already superseded by a later successful generation.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runConsolidate,
}

// dedupeCmd collapses duplicate keys in the canonical ledgers
var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Collapse duplicate keys in the success and reject ledgers",
	Long: `Removes byte-identical duplicate lines, then collapses records
sharing a key to the single best record: later timestamp first, then
more populated content fields, then larger content, then the later
arrival. The ordering is total, so re-running never changes the output.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runDedupe,
}

// promoteCmd arbitrates drift records against the canonical ledger
var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Arbitrate drift records against the success ledger",
	Long: `For every key in the drift ledger, compares the drift record against
the canonical success record with the dedupe scoring and installs the
winner in the success ledger. Drift is left empty; the command verifies
the two ledgers share no key before it reports success.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runPromote,
}

// syncCmd rebuilds the checkpoint from the ledgers
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rebuild the checkpoint from the ledgers",
	Long: `Recomputes done and rejected directly from the ledgers under the
success-wins rule and atomically saves the checkpoint. Reject metadata
displaced by a later success is recorded in the provenance archive.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runSync,
}

// recoverCmd runs the full remediation sequence once
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run the full remediation sequence once",
	Long: `Re-runs consolidate, dedupe on both ledgers, promote, checkpoint sync
and audit as one fixed sequence. Every step is idempotent, so recover is
safe to invoke no matter where a previous run stopped.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runRecover,
}

func init() {
	consolidateCmd.Flags().BoolVar(&ingestRaw, "ingest-raw", false,
		"Also fold raw reject files (default: skip, already superseded)")
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	sum, err := p.Consolidate(cmd.Context(), cycleOptions(ingestRaw))
	if err != nil {
		return err
	}
	return printJSON(sum)
}

func runDedupe(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	rep, err := p.Dedupe()
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"exact_lines_removed": rep.DedupeLines,
		"success":             rep.Success,
		"reject":              rep.Reject,
	})
}

func runPromote(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	rep, err := p.Promote()
	if err != nil {
		return err
	}
	return printJSON(rep.Promote)
}

func runSync(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	rep, err := p.Sync()
	if err != nil {
		return err
	}
	return printJSON(map[string]int{
		"added_done":       rep.Sync.AddedDone,
		"added_rejected":   rep.Sync.AddedRejected,
		"removed_done":     rep.Sync.RemovedDone,
		"removed_rejected": rep.Sync.RemovedRejected,
		"dequeued_settled": rep.Sync.DequeuedSettled,
		"superseded":       len(rep.Sync.SupersededReject),
	})
}

func runRecover(cmd *cobra.Command, args []string) error {
	p, _, cleanup, err := newPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	rep, rerr := p.Recover(cmd.Context(), cycleOptions(ingestRaw))
	if rep != nil {
		if perr := printJSON(rep); perr != nil {
			return perr
		}
	}
	return rerr
}
