// Package ledger implements the three append-oriented record stores the
// pipeline reconciles: Success (canonical good output), Reject (canonical
// failures) and Drift (key collisions held for arbitration).
//
// Every ledger is a JSONL file. Appends serialize the whole line before a
// single write on an O_APPEND descriptor; rewrites go through the atomic
// temp-and-rename primitive. A malformed line is skipped with a logged
// warning, never fatal to a scan.
package ledger

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"promoledger/internal/atomicfile"
	"promoledger/internal/record"
)

// Name identifies one of the three ledgers.
type Name string

const (
	Success Name = "success"
	Reject  Name = "reject"
	Drift   Name = "drift"
)

// scanBufferSize caps a single ledger line at 4 MiB. Generator output is
// much smaller; this just keeps bufio from failing on a pathological line.
const scanBufferSize = 4 * 1024 * 1024

// Store owns the ledger files under a data directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates the data directory if needed and returns a Store.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Path returns the file backing a ledger.
func (s *Store) Path(name Name) string {
	return filepath.Join(s.dir, string(name)+".jsonl")
}

// Append serializes the record and appends it as one whole line. The line
// is fully built before the write, so a crash mid-call can truncate at most
// the trailing line, which the scanner then skips.
func (s *Store) Append(name Name, rec record.Record) error {
	line, err := rec.MarshalLine()
	if err != nil {
		return fmt.Errorf("marshal record %q: %w", rec.Key, err)
	}

	f, err := os.OpenFile(s.Path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s ledger: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append to %s ledger: %w", name, err)
	}
	return nil
}

// AppendAll appends records in order, stopping at the first error.
func (s *Store) AppendAll(name Name, recs []record.Record) error {
	for _, rec := range recs {
		if err := s.Append(name, rec); err != nil {
			return err
		}
	}
	return nil
}

// Scan streams parsed records to fn in file order. Lines that fail to parse
// are counted and logged, not fatal: one malformed line must not halt a
// multi-thousand-line scan. A missing ledger file scans as empty.
func (s *Store) Scan(name Name, fn func(rec record.Record) error) (skipped int, err error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open %s ledger: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, perr := record.ParseLine(line)
		if perr != nil {
			skipped++
			s.logger.Warn("skipping malformed ledger line",
				zap.String("ledger", string(name)),
				zap.Int("line", lineNo),
				zap.Error(perr))
			continue
		}
		if err := fn(rec); err != nil {
			return skipped, err
		}
	}
	if err := scanner.Err(); err != nil {
		return skipped, fmt.Errorf("scan %s ledger: %w", name, err)
	}
	return skipped, nil
}

// ReadAll returns every parseable record in file order plus the count of
// skipped malformed lines.
func (s *Store) ReadAll(name Name) ([]record.Record, int, error) {
	var recs []record.Record
	skipped, err := s.Scan(name, func(rec record.Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, skipped, err
	}
	return recs, skipped, nil
}

// Keys returns the set of keys present in a ledger.
func (s *Store) Keys(name Name) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	if _, err := s.Scan(name, func(rec record.Record) error {
		keys[rec.Key] = struct{}{}
		return nil
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// Rewrite atomically replaces the ledger's contents with recs in order.
func (s *Store) Rewrite(name Name, recs []record.Record) error {
	lines := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		line, err := rec.MarshalLine()
		if err != nil {
			return fmt.Errorf("marshal record %q: %w", rec.Key, err)
		}
		lines = append(lines, line)
	}
	if err := atomicfile.WriteJSONLines(s.Path(name), lines, 0644); err != nil {
		return fmt.Errorf("rewrite %s ledger: %w", name, err)
	}
	return nil
}

// Truncate atomically empties the ledger.
func (s *Store) Truncate(name Name) error {
	return s.Rewrite(name, nil)
}

// ExactLineDedupe removes byte-identical duplicate lines, the first and
// cheapest layer of duplicate defense, before any semantic merge runs.
// Malformed lines are preserved verbatim; semantic stages decide their
// fate. Returns the number of lines removed.
func (s *Store) ExactLineDedupe(name Name) (int, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open %s ledger: %w", name, err)
	}

	seen := make(map[[sha256.Size]byte]struct{})
	var kept [][]byte
	removed := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		sum := sha256.Sum256(line)
		if _, dup := seen[sum]; dup {
			removed++
			continue
		}
		seen[sum] = struct{}{}
		kept = append(kept, append([]byte(nil), line...))
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("scan %s ledger: %w", name, scanErr)
	}

	if removed == 0 {
		return 0, nil
	}
	if err := atomicfile.WriteJSONLines(s.Path(name), kept, 0644); err != nil {
		return 0, fmt.Errorf("rewrite %s ledger: %w", name, err)
	}
	s.logger.Info("exact-line dedupe",
		zap.String("ledger", string(name)),
		zap.Int("removed", removed),
		zap.Int("kept", len(kept)))
	return removed, nil
}
