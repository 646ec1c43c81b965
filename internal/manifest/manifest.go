// Package manifest tracks which raw batch files have already been
// consolidated, keyed by a cheap content signature. A file whose signature
// is unchanged is skipped on later runs; that is what makes the
// consolidator idempotent.
package manifest

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"promoledger/internal/atomicfile"
)

// SignatureMode selects how file identity is computed.
//
// Size+mtime is a proxy, not a guarantee: on filesystems with coarse mtime
// resolution a rewrite inside the same tick goes unnoticed. Content hashing
// closes that hole at the cost of reading every candidate file, so it is
// opt-in.
type SignatureMode string

const (
	ModeSizeMtime   SignatureMode = "/size_mtime"
	ModeContentHash SignatureMode = "/content_hash"
)

// Manifest maps raw input filename (base name, not path) to its signature
// at the time it was folded in.
type Manifest struct {
	Processed map[string]string `json:"processed"`
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{Processed: make(map[string]string)}
}

// Load reads a manifest document. A missing file loads as empty; a corrupt
// one is an error, since silently forgetting processed files would
// re-import every batch.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Processed == nil {
		m.Processed = make(map[string]string)
	}
	return &m, nil
}

// Save atomically writes the manifest document.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// IsProcessed reports whether filename was already folded in with exactly
// this signature. A changed signature means the file must be re-parsed.
func (m *Manifest) IsProcessed(filename, signature string) bool {
	return m.Processed[filename] == signature
}

// MarkProcessed records the signature for a consolidated file.
func (m *Manifest) MarkProcessed(filename, signature string) {
	m.Processed[filename] = signature
}

// Signature computes the identity signature for a raw file.
func Signature(path string, mode SignatureMode) (string, error) {
	switch mode {
	case ModeContentHash:
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
		}
		return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
	case ModeSizeMtime, "":
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", filepath.Base(path), err)
		}
		return fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano()), nil
	default:
		return "", fmt.Errorf("unknown signature mode %q", mode)
	}
}
