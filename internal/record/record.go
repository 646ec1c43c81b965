// Package record defines the keyed content unit flowing through the
// reconciliation pipeline and the deterministic quality scoring used to
// arbitrate between duplicates.
//
// A record is either a success (key plus content fields) or a failure
// (key plus error). The distinction is made once, at the parse boundary:
// any line carrying a non-empty error is a failure no matter which file
// it was found in.
package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the two record variants.
type Kind string

const (
	KindSuccess Kind = "/success"
	KindFailure Kind = "/failure"
)

// Reserved wire field names. Everything else on a line is a content field.
const (
	fieldKey         = "key"
	fieldError       = "error"
	fieldGeneratedAt = "generated_at"
)

// Record is a single keyed content unit. Error being non-empty makes it a
// failure; Fields and GeneratedAt are only meaningful for successes but are
// preserved on failures for provenance.
//
// The wire format is flat: content fields sit next to the reserved names on
// one JSON line. ParseLine and MarshalLine are the only codec; do not feed
// Record to encoding/json directly.
type Record struct {
	Key         string
	Error       string
	GeneratedAt time.Time
	Fields      map[string]string
}

// Kind reports which variant this record is.
func (r Record) Kind() Kind {
	if r.Error != "" {
		return KindFailure
	}
	return KindSuccess
}

// IsFailure reports whether the record belongs to the reject population.
func (r Record) IsFailure() bool { return r.Error != "" }

// ParseLine decodes one ledger or raw-batch line into a Record.
//
// The generator's output is schema-less: the same logical field may arrive
// as a string, an array of strings, or a number. All content values are
// coerced to strings here so nothing downstream has to care.
func ParseLine(line []byte) (Record, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Record{}, fmt.Errorf("invalid record line: %w", err)
	}

	key, _ := raw[fieldKey].(string)
	if strings.TrimSpace(key) == "" {
		return Record{}, fmt.Errorf("record line missing key")
	}

	rec := Record{Key: key}

	if errVal, ok := raw[fieldError]; ok {
		rec.Error = coerceString(errVal)
	}

	if tsVal, ok := raw[fieldGeneratedAt]; ok {
		if ts, err := parseTimestamp(tsVal); err == nil {
			rec.GeneratedAt = ts
		}
	}

	for name, val := range raw {
		switch name {
		case fieldKey, fieldError, fieldGeneratedAt:
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]string)
		}
		rec.Fields[name] = coerceString(val)
	}

	return rec, nil
}

// MarshalLine serializes the record as a single JSON line (no trailing
// newline). Field names are emitted in sorted order, so serializing the
// same record always produces identical bytes. Re-runnability of the whole
// pipeline depends on that.
func (r Record) MarshalLine() ([]byte, error) {
	if r.Key == "" {
		return nil, fmt.Errorf("record has empty key")
	}

	out := make(map[string]any, len(r.Fields)+3)
	out[fieldKey] = r.Key
	if r.Error != "" {
		out[fieldError] = r.Error
	}
	if !r.GeneratedAt.IsZero() {
		out[fieldGeneratedAt] = r.GeneratedAt.UTC().Format(time.RFC3339)
	}
	for name, val := range r.Fields {
		out[name] = val
	}

	// encoding/json sorts map keys, which gives us the stable byte form.
	return json.Marshal(out)
}

// Completeness counts how many of the expected content fields are present
// and non-empty on this record.
func (r Record) Completeness(expected []string) int {
	n := 0
	for _, name := range expected {
		if strings.TrimSpace(r.Fields[name]) != "" {
			n++
		}
	}
	return n
}

// ContentLength sums the length of the expected content fields. Used as the
// third tiebreaker in quality scoring.
func (r Record) ContentLength(expected []string) int {
	total := 0
	for _, name := range expected {
		total += len(r.Fields[name])
	}
	return total
}

// Compare orders two records sharing a key by quality. Returns >0 if a is
// the better record, <0 if b is, 0 on a full tie. The caller breaks a full
// tie by keeping whichever record appeared later in scan order; combined
// with this function that yields a total order, so repeated dedupe runs
// over unchanged input are byte-identical.
//
// Priority: later explicit timestamp (when both carry one), then
// completeness over the expected fields, then total content length.
func Compare(a, b Record, expected []string) int {
	if !a.GeneratedAt.IsZero() && !b.GeneratedAt.IsZero() {
		if a.GeneratedAt.After(b.GeneratedAt) {
			return 1
		}
		if b.GeneratedAt.After(a.GeneratedAt) {
			return -1
		}
	}

	if ca, cb := a.Completeness(expected), b.Completeness(expected); ca != cb {
		if ca > cb {
			return 1
		}
		return -1
	}

	if la, lb := a.ContentLength(expected), b.ContentLength(expected); la != lb {
		if la > lb {
			return 1
		}
		return -1
	}

	return 0
}

// coerceString flattens a schema-less JSON value into a string. Arrays are
// joined with newlines, numbers rendered without a trailing exponent,
// everything else re-marshaled.
func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := coerceString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// parseTimestamp accepts RFC3339 strings or Unix seconds (the generator has
// emitted both).
func parseTimestamp(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		return time.Parse(time.RFC3339, val)
	case float64:
		return time.Unix(int64(val), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}
