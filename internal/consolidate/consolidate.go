// Package consolidate folds raw generator batch files into the canonical
// ledgers. Each raw file is consumed exactly once, tracked by signature in
// the manifest, so repeated runs are no-ops for unchanged input.
//
// Routing is decided per line, not per file: the generator sometimes emits
// failed items inside a "success" batch, and this is the single place that
// corrects the split before anything downstream trusts it.
package consolidate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"promoledger/internal/archive"
	"promoledger/internal/ledger"
	"promoledger/internal/manifest"
	"promoledger/internal/record"
)

// parseWorkers bounds concurrent raw-file parsing. Merging stays
// single-threaded and ordered, so output is deterministic regardless.
const parseWorkers = 4

// Options configures one consolidation run.
type Options struct {
	RawDir        string
	ManifestPath  string
	SuccessGlob   string // raw generation-run files, e.g. "batch-*.jsonl"
	RejectGlob    string // raw reject files, e.g. "rejects-*.jsonl"
	IngestRaw     bool   // fold raw reject files (default off: already superseded)
	Limit         int    // max new files folded this run, 0 = unlimited
	SignatureMode manifest.SignatureMode
	RunID         string
}

// Summary is the machine-checkable result of a run. Operators diff these
// between runs.
type Summary struct {
	FilesScanned    int `json:"files_scanned"`
	FilesUnchanged  int `json:"files_unchanged"`
	FilesFolded     int `json:"files_folded"`
	FilesCorrupt    int `json:"files_corrupt"`
	FilesDeferred   int `json:"files_deferred"` // over --limit, left for next run
	AppendedSuccess int `json:"appended_success"`
	AppendedReject  int `json:"appended_reject"`
	AppendedDrift   int `json:"appended_drift"`
	DroppedRejects  int `json:"dropped_rejects"` // success-wins drops
	RemovedRejects  int `json:"removed_rejects"` // reject entries displaced by new successes
	DuplicateLines  int `json:"duplicate_lines"` // byte-identical re-arrivals
	MalformedLines  int `json:"malformed_lines"`
}

// Consolidator owns one run of the fold.
type Consolidator struct {
	ledgers *ledger.Store
	arch    *archive.Archive // optional
	logger  *zap.Logger
	opts    Options
}

// New builds a Consolidator. The archive may be nil.
func New(ledgers *ledger.Store, arch *archive.Archive, logger *zap.Logger, opts Options) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SuccessGlob == "" {
		opts.SuccessGlob = "batch-*.jsonl"
	}
	if opts.RejectGlob == "" {
		opts.RejectGlob = "rejects-*.jsonl"
	}
	return &Consolidator{ledgers: ledgers, arch: arch, logger: logger, opts: opts}
}

// parsedFile is one raw file's parse result, merged in filename order.
type parsedFile struct {
	name      string
	signature string
	records   []record.Record
	malformed int
	corrupt   bool
}

// Run executes one consolidation pass.
func (c *Consolidator) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	man, err := manifest.Load(c.opts.ManifestPath)
	if err != nil {
		return sum, err
	}

	candidates, err := c.listCandidates()
	if err != nil {
		return sum, err
	}
	sum.FilesScanned = len(candidates)

	// Filter to files whose signature is new or changed.
	var pending []parsedFile
	for _, name := range candidates {
		sig, err := manifest.Signature(filepath.Join(c.opts.RawDir, name), c.opts.SignatureMode)
		if err != nil {
			sum.FilesCorrupt++
			c.logger.Warn("cannot sign raw file, skipping", zap.String("file", name), zap.Error(err))
			continue
		}
		if man.IsProcessed(name, sig) {
			sum.FilesUnchanged++
			continue
		}
		if c.opts.Limit > 0 && len(pending) >= c.opts.Limit {
			sum.FilesDeferred++
			continue
		}
		pending = append(pending, parsedFile{name: name, signature: sig})
	}

	if len(pending) == 0 {
		return sum, man.Save(c.opts.ManifestPath)
	}

	// Parse files concurrently; a single corrupt file must not abort the
	// rest, so read errors are recorded per file, not returned.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parseWorkers)
	for i := range pending {
		pf := &pending[i]
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := c.parseFile(pf); err != nil {
				pf.corrupt = true
				c.logger.Warn("corrupt raw file, skipping", zap.String("file", pf.name), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	if err := c.merge(pending, man, &sum); err != nil {
		return sum, err
	}

	if err := man.Save(c.opts.ManifestPath); err != nil {
		return sum, err
	}

	c.logger.Info("consolidation complete",
		zap.Int("files_folded", sum.FilesFolded),
		zap.Int("appended_success", sum.AppendedSuccess),
		zap.Int("appended_reject", sum.AppendedReject),
		zap.Int("appended_drift", sum.AppendedDrift),
		zap.Int("malformed_lines", sum.MalformedLines))
	return sum, nil
}

// listCandidates returns matching raw filenames in sorted order. Reject
// files are included only when IngestRaw is set.
func (c *Consolidator) listCandidates() ([]string, error) {
	globs := []string{c.opts.SuccessGlob}
	if c.opts.IngestRaw {
		globs = append(globs, c.opts.RejectGlob)
	}

	seen := make(map[string]struct{})
	var names []string
	for _, glob := range globs {
		matches, err := filepath.Glob(filepath.Join(c.opts.RawDir, glob))
		if err != nil {
			return nil, fmt.Errorf("bad raw file glob %q: %w", glob, err)
		}
		for _, m := range matches {
			name := filepath.Base(m)
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// parseFile reads one raw file, collecting parseable records and counting
// malformed lines.
func (c *Consolidator) parseFile(pf *parsedFile) error {
	f, err := os.Open(filepath.Join(c.opts.RawDir, pf.name))
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := record.ParseLine(line)
		if err != nil {
			pf.malformed++
			c.logger.Warn("skipping malformed raw line",
				zap.String("file", pf.name),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		pf.records = append(pf.records, rec)
	}
	return scanner.Err()
}

// merge folds parsed files into the ledgers in filename order and records
// their signatures in the manifest.
func (c *Consolidator) merge(files []parsedFile, man *manifest.Manifest, sum *Summary) error {
	successLines, err := c.ledgerLines(ledger.Success)
	if err != nil {
		return err
	}
	rejectLines, err := c.ledgerLines(ledger.Reject)
	if err != nil {
		return err
	}

	displacedRejects := make(map[string]struct{})
	now := time.Now().UTC()
	var events []archive.Event

	for _, pf := range files {
		if pf.corrupt {
			sum.FilesCorrupt++
			continue
		}
		sum.MalformedLines += pf.malformed

		for _, rec := range pf.records {
			if rec.IsFailure() {
				if _, inSuccess := successLines[rec.Key]; inSuccess {
					// Success wins: a canonical record already exists.
					sum.DroppedRejects++
					c.logger.Debug("dropping reject for canonical key", zap.String("key", rec.Key))
					continue
				}
				line, err := rec.MarshalLine()
				if err != nil {
					sum.MalformedLines++
					continue
				}
				if existing, dup := rejectLines[rec.Key]; dup && bytes.Equal(existing, line) {
					sum.DuplicateLines++
					continue
				}
				// A re-arrival with different error text is appended;
				// quality dedupe keeps the newest.
				if err := c.ledgers.Append(ledger.Reject, rec); err != nil {
					return err
				}
				rejectLines[rec.Key] = line
				sum.AppendedReject++
				continue
			}

			line, err := rec.MarshalLine()
			if err != nil {
				sum.MalformedLines++
				continue
			}
			if existing, ok := successLines[rec.Key]; ok {
				if bytes.Equal(existing, line) {
					sum.DuplicateLines++
					continue
				}
				// Key collision with differing content: hold for arbitration.
				if err := c.ledgers.Append(ledger.Drift, rec); err != nil {
					return err
				}
				sum.AppendedDrift++
				continue
			}
			if err := c.ledgers.Append(ledger.Success, rec); err != nil {
				return err
			}
			successLines[rec.Key] = line
			sum.AppendedSuccess++

			// A new success displaces any standing reject for the key.
			if _, wasRejected := rejectLines[rec.Key]; wasRejected {
				displacedRejects[rec.Key] = struct{}{}
				delete(rejectLines, rec.Key)
			}
		}

		man.MarkProcessed(pf.name, pf.signature)
		sum.FilesFolded++
	}

	if len(displacedRejects) > 0 {
		if err := c.removeRejects(displacedRejects, now, &events); err != nil {
			return err
		}
		sum.RemovedRejects = len(displacedRejects)
	}

	if c.arch != nil && len(events) > 0 {
		if err := c.arch.RecordAll(events); err != nil {
			c.logger.Warn("provenance archive write failed", zap.Error(err))
		}
	}
	return nil
}

// ledgerLines builds key -> canonical serialized line for a ledger.
func (c *Consolidator) ledgerLines(name ledger.Name) (map[string][]byte, error) {
	lines := make(map[string][]byte)
	if _, err := c.ledgers.Scan(name, func(rec record.Record) error {
		line, err := rec.MarshalLine()
		if err != nil {
			return nil // unrepresentable record, leave it to dedupe
		}
		if _, ok := lines[rec.Key]; !ok {
			lines[rec.Key] = line
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return lines, nil
}

// removeRejects rewrites the reject ledger without the displaced keys,
// archiving what was removed.
func (c *Consolidator) removeRejects(displaced map[string]struct{}, at time.Time, events *[]archive.Event) error {
	recs, _, err := c.ledgers.ReadAll(ledger.Reject)
	if err != nil {
		return err
	}
	kept := recs[:0]
	for _, rec := range recs {
		if _, gone := displaced[rec.Key]; gone {
			line, _ := rec.MarshalLine()
			*events = append(*events, archive.Event{
				Key:    rec.Key,
				Kind:   archive.KindRejectSuperseded,
				Detail: string(line),
				RunID:  c.opts.RunID,
				At:     at,
			})
			continue
		}
		kept = append(kept, rec)
	}
	return c.ledgers.Rewrite(ledger.Reject, kept)
}
