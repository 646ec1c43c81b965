// Package audit recomputes the pipeline's lifecycle state directly from the
// ledgers and checks it against the external ground-truth population. The
// auditor is the last gate before a pipeline cycle is allowed to pass: it
// asserts the closed-form set identity |P| = |D| + |R| + |M| + |U|, flags
// duplicate keys that survived dedupe, and flags a checkpoint that has gone
// stale against the ledgers.
//
// Violations are typed errors so the caller can route each class to the
// right exit code or recovery path. Every violation names the offending
// keys, bounded to a sample, never just a count.
package audit

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"promoledger/internal/checkpoint"
	"promoledger/internal/ledger"
	"promoledger/internal/population"
	"promoledger/internal/record"
)

// maxReportedKeys bounds how many offending keys a violation message names.
const maxReportedKeys = 20

// IdentityError reports a failed set identity. The partition sizes are the
// terms of |P| = |D| + |R| + |M| + |U|; Overlap holds the keys counted in
// more than one bucket (done and rejected at once).
type IdentityError struct {
	Population  int
	Done        int
	Rejected    int
	Manual      int
	Unaccounted int
	Overlap     []string
}

func (e *IdentityError) Error() string {
	sum := e.Done + e.Rejected + e.Manual + e.Unaccounted
	msg := fmt.Sprintf("identity violation: |P|=%d but |D|+|R|+|M|+|U|=%d (%d+%d+%d+%d)",
		e.Population, sum, e.Done, e.Rejected, e.Manual, e.Unaccounted)
	if len(e.Overlap) > 0 {
		msg += fmt.Sprintf("; keys in both done and rejected: %s", boundKeys(e.Overlap))
	}
	return msg
}

// DuplicateKeysError reports keys that appear more than once in a single
// ledger after dedupe should have collapsed them.
type DuplicateKeysError struct {
	Ledger ledger.Name
	Keys   []string
}

func (e *DuplicateKeysError) Error() string {
	return fmt.Sprintf("%d duplicate key(s) in %s ledger after dedupe: %s",
		len(e.Keys), e.Ledger, boundKeys(e.Keys))
}

// MisfiledRecordsError reports error-bearing records found in the success
// ledger. The pipeline never writes these; they indicate a hand-edited or
// corrupted ledger and need operator attention.
type MisfiledRecordsError struct {
	Keys []string
}

func (e *MisfiledRecordsError) Error() string {
	return fmt.Sprintf("%d failure record(s) in success ledger: %s",
		len(e.Keys), boundKeys(e.Keys))
}

// StaleCheckpointError reports a persisted checkpoint that disagrees with
// the state recomputed from the ledgers. A checkpoint sync repairs it.
type StaleCheckpointError struct {
	MissingDone     []string // in success ledger, not in checkpoint done
	ExtraDone       []string // in checkpoint done, not in success ledger
	MissingRejected []string
	ExtraRejected   []string
}

func (e *StaleCheckpointError) Error() string {
	parts := ""
	if n := len(e.MissingDone); n > 0 {
		parts += fmt.Sprintf(" %d done missing (%s)", n, boundKeys(e.MissingDone))
	}
	if n := len(e.ExtraDone); n > 0 {
		parts += fmt.Sprintf(" %d done unbacked (%s)", n, boundKeys(e.ExtraDone))
	}
	if n := len(e.MissingRejected); n > 0 {
		parts += fmt.Sprintf(" %d rejected missing (%s)", n, boundKeys(e.MissingRejected))
	}
	if n := len(e.ExtraRejected); n > 0 {
		parts += fmt.Sprintf(" %d rejected unbacked (%s)", n, boundKeys(e.ExtraRejected))
	}
	return "stale checkpoint:" + parts
}

// Report is the machine-checkable summary of one audit pass. Key lists are
// bounded samples, sorted for stable diffs between runs.
type Report struct {
	Scope       string `json:"scope,omitempty"`
	Population  int    `json:"population"`
	Done        int    `json:"done"`
	Rejected    int    `json:"rejected"`
	Manual      int    `json:"manual"`
	Unaccounted int    `json:"unaccounted"`

	UnaccountedSample []string `json:"unaccounted_sample,omitempty"`
	DriftKeys         []string `json:"drift_keys,omitempty"`
	MalformedLines    int      `json:"malformed_lines"`
	Passed            bool     `json:"passed"`
}

// Auditor checks ledgers, checkpoint and population against each other.
type Auditor struct {
	ledgers *ledger.Store
	source  population.Source
	logger  *zap.Logger
}

// New builds an Auditor over the ledger store and ground-truth source.
func New(ledgers *ledger.Store, source population.Source, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{ledgers: ledgers, source: source, logger: logger}
}

// Run performs a full audit pass restricted to scope (empty means all).
//
// The pass recomputes done and rejected from the ledgers (success wins on
// overlap), partitions the population into the domain sets, and asserts the
// identity. It returns the report alongside any violations, joined, so the
// caller can both print the summary and branch on the violation class with
// errors.As. An infrastructure failure (unreadable ledger or population)
// returns a nil report.
func (a *Auditor) Run(cp *checkpoint.Checkpoint, scope string) (*Report, error) {
	doneKeys, dupSuccess, misfiled, skippedSuccess, err := a.ledgerKeys(ledger.Success)
	if err != nil {
		return nil, err
	}
	rejectedKeys, dupReject, _, skippedReject, err := a.ledgerKeys(ledger.Reject)
	if err != nil {
		return nil, err
	}

	pop, err := a.source.Population(scope)
	if err != nil {
		return nil, fmt.Errorf("load population: %w", err)
	}
	manual, err := a.source.Manual()
	if err != nil {
		return nil, fmt.Errorf("load manual list: %w", err)
	}
	deny, err := a.source.Deny()
	if err != nil {
		return nil, fmt.Errorf("load deny list: %w", err)
	}

	// Manual and deny overrides are folded into one accounted-for bucket
	// and take precedence over ledger state.
	override := make(map[string]struct{}, len(manual)+len(deny))
	for key := range manual {
		if _, inPop := pop[key]; inPop {
			override[key] = struct{}{}
		}
	}
	for key := range deny {
		if _, inPop := pop[key]; inPop {
			override[key] = struct{}{}
		}
	}

	// D and R are computed independently so that a key living in both
	// ledgers inflates the sum and fails the identity instead of being
	// silently resolved here. Resolution is the sync step's job.
	var done, rejected, overlap []string
	for key := range doneKeys {
		if _, inPop := pop[key]; !inPop {
			continue
		}
		if _, ok := override[key]; ok {
			continue
		}
		done = append(done, key)
		if _, alsoRejected := rejectedKeys[key]; alsoRejected {
			overlap = append(overlap, key)
		}
	}
	for key := range rejectedKeys {
		if _, inPop := pop[key]; !inPop {
			continue
		}
		if _, ok := override[key]; ok {
			continue
		}
		rejected = append(rejected, key)
	}

	var unaccounted []string
	for key := range pop {
		if _, ok := override[key]; ok {
			continue
		}
		if _, ok := doneKeys[key]; ok {
			continue
		}
		if _, ok := rejectedKeys[key]; ok {
			continue
		}
		unaccounted = append(unaccounted, key)
	}

	// Cross-population drift: ledger keys the ground truth no longer
	// contains. Reported, never silently dropped.
	var drift []string
	for key := range doneKeys {
		if _, inPop := pop[key]; !inPop {
			drift = append(drift, key)
		}
	}
	for key := range rejectedKeys {
		if _, inPop := pop[key]; !inPop {
			if _, alsoDone := doneKeys[key]; !alsoDone {
				drift = append(drift, key)
			}
		}
	}

	report := &Report{
		Scope:             scope,
		Population:        len(pop),
		Done:              len(done),
		Rejected:          len(rejected),
		Manual:            len(override),
		Unaccounted:       len(unaccounted),
		UnaccountedSample: sortedSample(unaccounted),
		DriftKeys:         sortedSample(drift),
		MalformedLines:    skippedSuccess + skippedReject,
	}

	var violations []error
	if len(dupSuccess) > 0 {
		violations = append(violations, &DuplicateKeysError{Ledger: ledger.Success, Keys: sorted(dupSuccess)})
	}
	if len(dupReject) > 0 {
		violations = append(violations, &DuplicateKeysError{Ledger: ledger.Reject, Keys: sorted(dupReject)})
	}
	if len(misfiled) > 0 {
		violations = append(violations, &MisfiledRecordsError{Keys: sorted(misfiled)})
	}

	if report.Done+report.Rejected+report.Manual+report.Unaccounted != report.Population {
		violations = append(violations, &IdentityError{
			Population:  report.Population,
			Done:        report.Done,
			Rejected:    report.Rejected,
			Manual:      report.Manual,
			Unaccounted: report.Unaccounted,
			Overlap:     sorted(overlap),
		})
	}

	if stale := a.checkpointDiff(cp, doneKeys, rejectedKeys); stale != nil {
		violations = append(violations, stale)
	}

	report.Passed = len(violations) == 0
	a.logger.Info("audit pass",
		zap.String("scope", scope),
		zap.Int("population", report.Population),
		zap.Int("done", report.Done),
		zap.Int("rejected", report.Rejected),
		zap.Int("manual", report.Manual),
		zap.Int("unaccounted", report.Unaccounted),
		zap.Int("drift", len(drift)),
		zap.Bool("passed", report.Passed))

	return report, errors.Join(violations...)
}

// ledgerKeys scans one ledger, returning its key set, the keys seen more
// than once, the keys of failure records misfiled in the success ledger,
// and the count of malformed lines.
func (a *Auditor) ledgerKeys(name ledger.Name) (map[string]struct{}, []string, []string, int, error) {
	keys := make(map[string]struct{})
	dupSet := make(map[string]struct{})
	misfiledSet := make(map[string]struct{})
	skipped, err := a.ledgers.Scan(name, func(rec record.Record) error {
		if _, seen := keys[rec.Key]; seen {
			dupSet[rec.Key] = struct{}{}
		}
		keys[rec.Key] = struct{}{}
		if name == ledger.Success && rec.IsFailure() {
			misfiledSet[rec.Key] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("audit %s ledger: %w", name, err)
	}
	var dups []string
	for key := range dupSet {
		dups = append(dups, key)
	}
	var misfiled []string
	for key := range misfiledSet {
		misfiled = append(misfiled, key)
	}
	return keys, dups, misfiled, skipped, nil
}

// checkpointDiff compares the persisted checkpoint against ledger-derived
// state under the success-wins rule. Returns nil when they agree.
func (a *Auditor) checkpointDiff(cp *checkpoint.Checkpoint, doneKeys, rejectedKeys map[string]struct{}) *StaleCheckpointError {
	var stale StaleCheckpointError
	for key := range doneKeys {
		if _, ok := cp.Done[key]; !ok {
			stale.MissingDone = append(stale.MissingDone, key)
		}
	}
	for key := range cp.Done {
		if _, ok := doneKeys[key]; !ok {
			stale.ExtraDone = append(stale.ExtraDone, key)
		}
	}
	for key := range rejectedKeys {
		if _, done := doneKeys[key]; done {
			continue
		}
		if _, ok := cp.Rejected[key]; !ok {
			stale.MissingRejected = append(stale.MissingRejected, key)
		}
	}
	for key := range cp.Rejected {
		if _, ok := rejectedKeys[key]; !ok {
			stale.ExtraRejected = append(stale.ExtraRejected, key)
		}
	}
	if len(stale.MissingDone)+len(stale.ExtraDone)+len(stale.MissingRejected)+len(stale.ExtraRejected) == 0 {
		return nil
	}
	sort.Strings(stale.MissingDone)
	sort.Strings(stale.ExtraDone)
	sort.Strings(stale.MissingRejected)
	sort.Strings(stale.ExtraRejected)
	return &stale
}

func sorted(keys []string) []string {
	sort.Strings(keys)
	return keys
}

// sortedSample sorts and truncates a key list for reporting.
func sortedSample(keys []string) []string {
	sort.Strings(keys)
	if len(keys) > maxReportedKeys {
		keys = keys[:maxReportedKeys]
	}
	return keys
}

// boundKeys renders a key list bounded to the reporting sample size.
func boundKeys(keys []string) string {
	if len(keys) <= maxReportedKeys {
		return fmt.Sprintf("%v", keys)
	}
	return fmt.Sprintf("%v and %d more", keys[:maxReportedKeys], len(keys)-maxReportedKeys)
}
