package pipeline

import (
	"context"

	"github.com/google/uuid"

	"promoledger/internal/consolidate"
	"promoledger/internal/lock"
)

// The per-stage entry points run one step of the cycle under the same
// single-writer lock. They exist for operators who want to drive the
// sequence by hand; the run loop never uses them.

// Consolidate folds new raw batch files into the ledgers.
func (p *Pipeline) Consolidate(ctx context.Context, opts CycleOptions) (consolidate.Summary, error) {
	rep := newStageReport()
	err := p.locked(func() error { return p.consolidateStep(ctx, opts, rep) })
	return rep.Consolidate, err
}

// Dedupe runs exact-line then quality dedupe on both canonical ledgers.
func (p *Pipeline) Dedupe() (*CycleReport, error) {
	rep := newStageReport()
	err := p.locked(func() error { return p.dedupeStep(rep) })
	return rep, err
}

// Promote arbitrates the drift ledger against the success ledger.
func (p *Pipeline) Promote() (*CycleReport, error) {
	rep := newStageReport()
	err := p.locked(func() error { return p.promoteStep(rep) })
	return rep, err
}

// Sync rebuilds and persists the checkpoint from the ledgers.
func (p *Pipeline) Sync() (*CycleReport, error) {
	rep := newStageReport()
	var st PipelineState
	err := p.locked(func() error { return p.syncStep(&st, rep) })
	return rep, err
}

// Recover runs the remediation sequence once under the lock, without the
// Cycle's second attempt: re-consolidate, dedupe both ledgers, promote,
// re-sync the checkpoint, re-audit.
func (p *Pipeline) Recover(ctx context.Context, opts CycleOptions) (*CycleReport, error) {
	rep := newStageReport()
	rep.Phase = PhaseRecovering
	err := p.locked(func() error { return p.sequence(ctx, opts, rep) })
	if err != nil {
		return rep, err
	}
	rep.Phase = PhasePass
	return rep, nil
}

func (p *Pipeline) locked(fn func() error) error {
	lk, err := lock.Acquire(p.cfg.LockPath())
	if err != nil {
		return err
	}
	defer lk.Release()
	return fn()
}

func newStageReport() *CycleReport {
	return &CycleReport{RunID: uuid.NewString(), Phase: PhaseIdle}
}
