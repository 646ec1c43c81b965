// Package reconcile collapses duplicate keys inside a ledger and
// arbitrates drift records against the canonical success ledger. Both
// operations use the same deterministic quality scoring, so repeated runs
// over unchanged input produce byte-identical ledgers.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"promoledger/internal/archive"
	"promoledger/internal/ledger"
	"promoledger/internal/record"
)

// Reconciler runs dedupe and promotion over a ledger store.
type Reconciler struct {
	ledgers  *ledger.Store
	arch     *archive.Archive // optional
	logger   *zap.Logger
	expected []string // expected content fields, drives completeness scoring
	runID    string
}

// New builds a Reconciler. The archive may be nil.
func New(ledgers *ledger.Store, arch *archive.Archive, logger *zap.Logger, expectedFields []string, runID string) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{ledgers: ledgers, arch: arch, logger: logger, expected: expectedFields, runID: runID}
}

// DedupeSummary reports one quality-dedupe pass.
type DedupeSummary struct {
	Before  int `json:"before"`
	After   int `json:"after"`
	Removed int `json:"removed"`
}

// PromoteSummary reports one promotion pass.
type PromoteSummary struct {
	DriftRecords     int `json:"drift_records"`
	Promoted         int `json:"promoted"`  // drift records that became canonical
	Discarded        int `json:"discarded"` // drift records that lost arbitration
	NewCanonical     int `json:"new_canonical"`
	SuccessDisplaced int `json:"success_displaced"`
}

// QualityDedupe rewrites the ledger with exactly one record per key. The
// winner is chosen by record.Compare; on a full tie the record appearing
// later in file-scan order wins. Output preserves first-occurrence key
// order, so the result is a pure function of the input bytes.
func (r *Reconciler) QualityDedupe(name ledger.Name) (DedupeSummary, error) {
	recs, _, err := r.ledgers.ReadAll(name)
	if err != nil {
		return DedupeSummary{}, err
	}

	sum := DedupeSummary{Before: len(recs)}

	order := make([]string, 0, len(recs))
	winners := make(map[string]record.Record, len(recs))
	var events []archive.Event
	now := time.Now().UTC()

	for _, rec := range recs {
		incumbent, seen := winners[rec.Key]
		if !seen {
			order = append(order, rec.Key)
			winners[rec.Key] = rec
			continue
		}
		// rec is later in scan order, so it wins ties.
		var loser record.Record
		if record.Compare(rec, incumbent, r.expected) >= 0 {
			winners[rec.Key] = rec
			loser = incumbent
		} else {
			loser = rec
		}
		sum.Removed++
		if line, err := loser.MarshalLine(); err == nil {
			events = append(events, archive.Event{
				Key:    loser.Key,
				Kind:   archive.KindDuplicateLost,
				Detail: string(line),
				RunID:  r.runID,
				At:     now,
			})
		}
	}

	sum.After = len(order)
	if sum.Removed == 0 {
		return sum, nil
	}

	out := make([]record.Record, 0, len(order))
	for _, key := range order {
		out = append(out, winners[key])
	}
	if err := r.ledgers.Rewrite(name, out); err != nil {
		return sum, err
	}
	r.archiveEvents(events)

	r.logger.Info("quality dedupe",
		zap.String("ledger", string(name)),
		zap.Int("before", sum.Before),
		zap.Int("after", sum.After))
	return sum, nil
}

// Promote arbitrates every drift key against the canonical success ledger
// using the same scoring as QualityDedupe. Drift records are later
// arrivals, so they win full ties. Afterwards the drift ledger is
// truncated and the no-key-in-both post-condition is verified by
// re-reading both files rather than assumed.
func (r *Reconciler) Promote() (PromoteSummary, error) {
	drift, _, err := r.ledgers.ReadAll(ledger.Drift)
	if err != nil {
		return PromoteSummary{}, err
	}

	sum := PromoteSummary{DriftRecords: len(drift)}
	if len(drift) == 0 {
		return sum, r.verifyPromoted()
	}

	successes, _, err := r.ledgers.ReadAll(ledger.Success)
	if err != nil {
		return sum, err
	}
	index := make(map[string]int, len(successes))
	for i, rec := range successes {
		index[rec.Key] = i
	}

	// Collapse drift to one challenger per key first; later drift entries
	// win ties among themselves.
	challengers := make(map[string]record.Record)
	var driftOrder []string
	var events []archive.Event
	now := time.Now().UTC()

	for _, rec := range drift {
		if prior, ok := challengers[rec.Key]; ok {
			if record.Compare(rec, prior, r.expected) >= 0 {
				challengers[rec.Key] = rec
				events = append(events, lossEvent(prior, archive.KindDriftLost, r.runID, now))
			} else {
				events = append(events, lossEvent(rec, archive.KindDriftLost, r.runID, now))
			}
			sum.Discarded++
			continue
		}
		challengers[rec.Key] = rec
		driftOrder = append(driftOrder, rec.Key)
	}

	for _, key := range driftOrder {
		challenger := challengers[key]
		idx, exists := index[key]
		if !exists {
			// Canonical slot vanished; the drift copy becomes canonical.
			successes = append(successes, challenger)
			index[key] = len(successes) - 1
			sum.NewCanonical++
			continue
		}
		incumbent := successes[idx]
		if record.Compare(challenger, incumbent, r.expected) >= 0 {
			successes[idx] = challenger
			sum.Promoted++
			sum.SuccessDisplaced++
			events = append(events, lossEvent(incumbent, archive.KindSuccessDisplaced, r.runID, now))
		} else {
			sum.Discarded++
			events = append(events, lossEvent(challenger, archive.KindDriftLost, r.runID, now))
		}
	}

	if err := r.ledgers.Rewrite(ledger.Success, successes); err != nil {
		return sum, err
	}
	if err := r.ledgers.Truncate(ledger.Drift); err != nil {
		return sum, err
	}
	r.archiveEvents(events)

	if err := r.verifyPromoted(); err != nil {
		return sum, err
	}

	r.logger.Info("promotion complete",
		zap.Int("drift_records", sum.DriftRecords),
		zap.Int("promoted", sum.Promoted),
		zap.Int("discarded", sum.Discarded))
	return sum, nil
}

// verifyPromoted re-reads both ledgers and fails if any key still lives in
// both Drift and Success.
func (r *Reconciler) verifyPromoted() error {
	driftKeys, err := r.ledgers.Keys(ledger.Drift)
	if err != nil {
		return err
	}
	if len(driftKeys) == 0 {
		return nil
	}
	successKeys, err := r.ledgers.Keys(ledger.Success)
	if err != nil {
		return err
	}
	var overlap []string
	for key := range driftKeys {
		if _, ok := successKeys[key]; ok {
			overlap = append(overlap, key)
		}
	}
	if len(overlap) > 0 {
		sort.Strings(overlap)
		return fmt.Errorf("promotion post-condition failed: %d key(s) in both drift and success: %v", len(overlap), overlap)
	}
	return nil
}

func (r *Reconciler) archiveEvents(events []archive.Event) {
	if r.arch == nil || len(events) == 0 {
		return
	}
	if err := r.arch.RecordAll(events); err != nil {
		r.logger.Warn("provenance archive write failed", zap.Error(err))
	}
}

func lossEvent(rec record.Record, kind archive.EventKind, runID string, at time.Time) archive.Event {
	line, _ := rec.MarshalLine()
	return archive.Event{Key: rec.Key, Kind: kind, Detail: string(line), RunID: runID, At: at}
}
