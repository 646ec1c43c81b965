// Package pipeline orchestrates one reconciliation cycle as an explicit
// state machine: Idle -> Consolidating -> Deduping -> Promoting -> Syncing
// -> Auditing -> Pass, with a single Recovering detour when the audit
// fails. Every step is idempotent, so the recovery path is simply the same
// sequence run again.
//
// All durable state lives in files; the in-memory PipelineState is loaded
// at the start of a cycle and saved at the syncing edge, never carried
// across cycles.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"promoledger/internal/archive"
	"promoledger/internal/audit"
	"promoledger/internal/checkpoint"
	"promoledger/internal/config"
	"promoledger/internal/consolidate"
	"promoledger/internal/ledger"
	"promoledger/internal/lock"
	"promoledger/internal/population"
	"promoledger/internal/reconcile"
)

// Phase names one state of the reconciliation state machine.
type Phase string

const (
	PhaseIdle          Phase = "/idle"
	PhaseConsolidating Phase = "/consolidating"
	PhaseDeduping      Phase = "/deduping"
	PhasePromoting     Phase = "/promoting"
	PhaseSyncing       Phase = "/syncing"
	PhaseAuditing      Phase = "/auditing"
	PhasePass          Phase = "/pass"
	PhaseRecovering    Phase = "/recovering"
)

// Transition records one executed step and its outcome.
type Transition struct {
	Phase Phase  `json:"phase"`
	Error string `json:"error,omitempty"`
}

// CycleOptions narrows one cycle.
type CycleOptions struct {
	Scope     string
	Limit     int
	IngestRaw bool
}

// CycleReport aggregates the per-step summaries so operators can diff two
// runs line by line.
type CycleReport struct {
	RunID       string                   `json:"run_id"`
	Phase       Phase                    `json:"phase"`
	Transitions []Transition             `json:"transitions"`
	Consolidate consolidate.Summary      `json:"consolidate"`
	DedupeLines int                      `json:"dedupe_lines"` // exact-line removals
	Success     reconcile.DedupeSummary  `json:"success_dedupe"`
	Reject      reconcile.DedupeSummary  `json:"reject_dedupe"`
	Promote     reconcile.PromoteSummary `json:"promote"`
	Sync        checkpoint.SyncResult    `json:"-"`
	Audit       *audit.Report            `json:"audit,omitempty"`
	Recovered   bool                     `json:"recovered"`
}

// PipelineState is the mutable state threaded through one cycle. It is
// loaded from disk when the cycle starts and persisted at the syncing
// step; nothing in it survives the cycle in memory.
type PipelineState struct {
	Checkpoint *checkpoint.Checkpoint
	Phase      Phase
}

// Pipeline wires the components over one config.
type Pipeline struct {
	cfg     *config.Config
	ledgers *ledger.Store
	source  population.Source
	arch    *archive.Archive // optional
	logger  *zap.Logger
}

// New builds a Pipeline. The archive may be nil.
func New(cfg *config.Config, ledgers *ledger.Store, source population.Source, arch *archive.Archive, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, ledgers: ledgers, source: source, arch: arch, logger: logger}
}

// Cycle runs one full reconciliation pass under the single-writer lock.
// When the audit fails on a state violation, the same sequence runs once
// more as recovery; if the re-audit still fails, the violations are
// returned as an actionable report instead of retrying indefinitely.
func (p *Pipeline) Cycle(ctx context.Context, opts CycleOptions) (*CycleReport, error) {
	lk, err := lock.Acquire(p.cfg.LockPath())
	if err != nil {
		return nil, err
	}
	defer lk.Release()

	rep := &CycleReport{RunID: uuid.NewString(), Phase: PhaseIdle}
	p.logger.Info("cycle start", zap.String("run_id", rep.RunID), zap.String("scope", opts.Scope))

	err = p.sequence(ctx, opts, rep)
	if err == nil {
		rep.Phase = PhasePass
		p.logger.Info("cycle pass", zap.String("run_id", rep.RunID))
		return rep, nil
	}
	if !IsViolation(err) {
		return rep, err
	}

	rep.Phase = PhaseRecovering
	rep.Transitions = append(rep.Transitions, Transition{Phase: PhaseRecovering, Error: err.Error()})
	p.logger.Warn("audit failed, entering recovery", zap.String("run_id", rep.RunID), zap.Error(err))

	if rerr := p.sequence(ctx, opts, rep); rerr != nil {
		rep.Phase = PhaseAuditing
		return rep, fmt.Errorf("recovery did not converge: %w", rerr)
	}
	rep.Phase = PhasePass
	rep.Recovered = true
	p.logger.Info("cycle recovered", zap.String("run_id", rep.RunID))
	return rep, nil
}

// sequence runs the fixed consolidate/dedupe/promote/sync/audit chain,
// recording a transition per step. It is the cycle and the recovery path.
func (p *Pipeline) sequence(ctx context.Context, opts CycleOptions, rep *CycleReport) error {
	st := &PipelineState{Phase: PhaseIdle}

	steps := []struct {
		phase Phase
		run   func() error
	}{
		{PhaseConsolidating, func() error { return p.consolidateStep(ctx, opts, rep) }},
		{PhaseDeduping, func() error { return p.dedupeStep(rep) }},
		{PhasePromoting, func() error { return p.promoteStep(rep) }},
		{PhaseSyncing, func() error { return p.syncStep(st, rep) }},
		{PhaseAuditing, func() error { return p.auditStep(st, opts.Scope, rep) }},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Phase = s.phase
		err := s.run()
		tr := Transition{Phase: s.phase}
		if err != nil {
			tr.Error = err.Error()
		}
		rep.Transitions = append(rep.Transitions, tr)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) consolidateStep(ctx context.Context, opts CycleOptions, rep *CycleReport) error {
	c := consolidate.New(p.ledgers, p.arch, p.logger, consolidate.Options{
		RawDir:        p.cfg.Paths.RawDir,
		ManifestPath:  p.cfg.ManifestPath(),
		SuccessGlob:   p.cfg.Consolidate.SuccessGlob,
		RejectGlob:    p.cfg.Consolidate.RejectGlob,
		IngestRaw:     opts.IngestRaw,
		Limit:         opts.Limit,
		SignatureMode: p.cfg.SignatureMode(),
		RunID:         rep.RunID,
	})
	sum, err := c.Run(ctx)
	rep.Consolidate = sum
	return err
}

func (p *Pipeline) dedupeStep(rep *CycleReport) error {
	// Exact-line dedupe first: byte-identical duplicates never reach the
	// scoring function.
	for _, name := range []ledger.Name{ledger.Success, ledger.Reject} {
		removed, err := p.ledgers.ExactLineDedupe(name)
		if err != nil {
			return err
		}
		rep.DedupeLines += removed
	}

	r := p.reconciler(rep.RunID)
	var err error
	if rep.Success, err = r.QualityDedupe(ledger.Success); err != nil {
		return err
	}
	if rep.Reject, err = r.QualityDedupe(ledger.Reject); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) promoteStep(rep *CycleReport) error {
	sum, err := p.reconciler(rep.RunID).Promote()
	rep.Promote = sum
	return err
}

// syncStep rebuilds the checkpoint from the ledgers and persists it.
// Reject metadata displaced by success-wins goes to the archive rather
// than vanishing.
func (p *Pipeline) syncStep(st *PipelineState, rep *CycleReport) error {
	cp, err := checkpoint.Load(p.cfg.CheckpointPath())
	if err != nil {
		return err
	}

	successes, _, err := p.ledgers.ReadAll(ledger.Success)
	if err != nil {
		return err
	}
	rejects, _, err := p.ledgers.ReadAll(ledger.Reject)
	if err != nil {
		return err
	}

	res := cp.SyncFromLedgers(successes, rejects, time.Now().UTC())
	rep.Sync = res

	if p.arch != nil && len(res.SupersededReject) > 0 {
		events := make([]archive.Event, 0, len(res.SupersededReject))
		for key, meta := range res.SupersededReject {
			events = append(events, archive.Event{
				Key:    key,
				Kind:   archive.KindRejectSuperseded,
				Detail: fmt.Sprintf("rejected %s: %s", meta.When.Format(time.RFC3339), meta.Why),
				RunID:  rep.RunID,
				At:     time.Now().UTC(),
			})
		}
		if err := p.arch.RecordAll(events); err != nil {
			p.logger.Warn("archive superseded rejects", zap.Error(err))
		}
	}

	if err := cp.Save(p.cfg.CheckpointPath()); err != nil {
		return err
	}
	st.Checkpoint = cp

	p.logger.Info("checkpoint sync",
		zap.Int("added_done", res.AddedDone),
		zap.Int("added_rejected", res.AddedRejected),
		zap.Int("removed_done", res.RemovedDone),
		zap.Int("removed_rejected", res.RemovedRejected),
		zap.Int("dequeued_settled", res.DequeuedSettled))
	return nil
}

func (p *Pipeline) auditStep(st *PipelineState, scope string, rep *CycleReport) error {
	a := audit.New(p.ledgers, p.source, p.logger)
	report, err := a.Run(st.Checkpoint, scope)
	if report != nil {
		rep.Audit = report
	}
	return err
}

func (p *Pipeline) reconciler(runID string) *reconcile.Reconciler {
	return reconcile.New(p.ledgers, p.arch, p.logger, p.cfg.Content.ExpectedFields, runID)
}

// Audit runs the auditor alone, without mutating any state. The checkpoint
// is read as-is from disk.
func (p *Pipeline) Audit(scope string) (*audit.Report, error) {
	cp, err := checkpoint.Load(p.cfg.CheckpointPath())
	if err != nil {
		return nil, err
	}
	return audit.New(p.ledgers, p.source, p.logger).Run(cp, scope)
}

// IsViolation reports whether err is a state violation the recovery
// sequence can plausibly repair, as opposed to an infrastructure failure.
func IsViolation(err error) bool {
	var identity *audit.IdentityError
	var dup *audit.DuplicateKeysError
	var stale *audit.StaleCheckpointError
	var misfiled *audit.MisfiledRecordsError
	return errors.As(err, &identity) || errors.As(err, &dup) ||
		errors.As(err, &stale) || errors.As(err, &misfiled)
}
