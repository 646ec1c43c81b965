// Package population reads the external ground-truth enumeration of keys
// requiring processing, plus the manual-override and deny lists. All three
// inputs are read-only collaborators: the pipeline never writes them.
package population

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Source enumerates the domain of record. Population may be restricted to
// a named sub-population scope; an empty scope means everything.
type Source interface {
	Population(scope string) (map[string]struct{}, error)
	Manual() (map[string]struct{}, error)
	Deny() (map[string]struct{}, error)
}

// entry is the JSON form of a population line. Plain (non-JSON) lines are
// treated as bare keys with no scope.
type entry struct {
	Key   string `json:"key"`
	Scope string `json:"scope,omitempty"`
}

// FileSource reads the population from newline-delimited files.
//
// The population file accepts two line forms: a bare key, or a JSON object
// `{"key": ..., "scope": ...}`. Manual and deny files are bare keys; blank
// lines and # comments are ignored. Manual and deny files are optional, the
// population file is not.
type FileSource struct {
	populationPath string
	manualPath     string
	denyPath       string
}

// NewFileSource builds a FileSource over the three list files.
func NewFileSource(populationPath, manualPath, denyPath string) *FileSource {
	return &FileSource{
		populationPath: populationPath,
		manualPath:     manualPath,
		denyPath:       denyPath,
	}
}

// Population returns the full key population, optionally restricted to a
// named scope. A missing population file is an error: without ground truth
// the audit identity is meaningless.
func (s *FileSource) Population(scope string) (map[string]struct{}, error) {
	f, err := os.Open(s.populationPath)
	if err != nil {
		return nil, fmt.Errorf("open population file: %w", err)
	}
	defer f.Close()

	keys := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var e entry
		if strings.HasPrefix(line, "{") {
			if err := json.Unmarshal([]byte(line), &e); err != nil || e.Key == "" {
				continue
			}
		} else {
			e = entry{Key: line}
		}

		if scope != "" && e.Scope != scope {
			continue
		}
		keys[e.Key] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read population file: %w", err)
	}
	return keys, nil
}

// Manual returns the manually-handled override keys.
func (s *FileSource) Manual() (map[string]struct{}, error) {
	return readKeyList(s.manualPath)
}

// Deny returns keys explicitly excluded from processing.
func (s *FileSource) Deny() (map[string]struct{}, error) {
	return readKeyList(s.denyPath)
}

// readKeyList reads a bare-key list file. Missing or unconfigured files
// read as empty.
func readKeyList(path string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	if path == "" {
		return keys, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return keys, nil
		}
		return nil, fmt.Errorf("open key list: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key list: %w", err)
	}
	return keys, nil
}
