package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"promoledger/internal/archive"
	"promoledger/internal/checkpoint"
	"promoledger/internal/ledger"
	"promoledger/internal/lock"
	"promoledger/internal/record"
)

// RequeueSummary reports one requeue pass.
type RequeueSummary struct {
	Scanned      int      `json:"scanned"`
	Requeued     int      `json:"requeued"`
	Hard         int      `json:"hard"`
	Unknown      int      `json:"unknown"`
	RequeuedKeys []string `json:"requeued_keys,omitempty"`
}

// Requeue moves transient-classified rejects back to the retry queue:
// the reject ledger entry is removed, the checkpoint entry moves from
// rejected to queued, and the displaced record goes to the archive. Hard
// and unknown failures stay put; retrying a definitive failure only burns
// generator quota.
func (p *Pipeline) Requeue() (RequeueSummary, error) {
	var sum RequeueSummary

	lk, err := lock.Acquire(p.cfg.LockPath())
	if err != nil {
		return sum, err
	}
	defer lk.Release()

	cp, err := checkpoint.Load(p.cfg.CheckpointPath())
	if err != nil {
		return sum, err
	}

	rejects, _, err := p.ledgers.ReadAll(ledger.Reject)
	if err != nil {
		return sum, err
	}
	sum.Scanned = len(rejects)

	runID := uuid.NewString()
	now := time.Now().UTC()
	var kept []record.Record
	var events []archive.Event

	for _, rec := range rejects {
		switch record.ClassifyFailure(rec.Error) {
		case record.FailureTransient:
			sum.Requeued++
			sum.RequeuedKeys = append(sum.RequeuedKeys, rec.Key)

			meta, had := cp.ClearRejected(rec.Key)
			reason := rec.Error
			if had && meta.Why != "" {
				reason = meta.Why
			}
			if err := cp.Queue(rec.Key, reason, now); err != nil {
				return sum, fmt.Errorf("queue %q: %w", rec.Key, err)
			}

			line, _ := rec.MarshalLine()
			events = append(events, archive.Event{
				Key:    rec.Key,
				Kind:   archive.KindRequeued,
				Detail: string(line),
				RunID:  runID,
				At:     now,
			})
		case record.FailureHard:
			sum.Hard++
			kept = append(kept, rec)
		default:
			sum.Unknown++
			kept = append(kept, rec)
		}
	}

	if sum.Requeued == 0 {
		return sum, nil
	}
	sort.Strings(sum.RequeuedKeys)

	// Ledger first: a crash between the two writes leaves a checkpoint
	// entry the next audit flags as stale, which the sync step repairs.
	if err := p.ledgers.Rewrite(ledger.Reject, kept); err != nil {
		return sum, err
	}
	if err := cp.Save(p.cfg.CheckpointPath()); err != nil {
		return sum, err
	}

	if p.arch != nil {
		if err := p.arch.RecordAll(events); err != nil {
			p.logger.Warn("archive requeued rejects", zap.Error(err))
		}
	}

	p.logger.Info("requeue",
		zap.Int("scanned", sum.Scanned),
		zap.Int("requeued", sum.Requeued),
		zap.Int("hard", sum.Hard),
		zap.Int("unknown", sum.Unknown))
	return sum, nil
}
