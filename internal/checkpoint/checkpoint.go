// Package checkpoint stores the durable per-key lifecycle state of the
// pipeline: which keys are done, which are rejected, and which an operator
// has explicitly re-queued for retry.
//
// Two invariants hold at every save: done and rejected never overlap
// (success-wins), and queued never contains a key that is already done or
// rejected.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"promoledger/internal/atomicfile"
	"promoledger/internal/record"
)

// EntryMeta records when and why a key entered the done or rejected bucket.
type EntryMeta struct {
	When time.Time `json:"when"`
	Why  string    `json:"why"`
}

// QueueMeta records why a key was re-queued for retry.
type QueueMeta struct {
	Reason   string    `json:"reason"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Checkpoint is the lifecycle document. All mutation goes through methods
// so the invariants cannot drift.
type Checkpoint struct {
	Done     map[string]EntryMeta `json:"done"`
	Rejected map[string]EntryMeta `json:"rejected"`
	Queued   map[string]QueueMeta `json:"queued"`
}

// SyncResult summarizes what a ledger sync changed, so operators can diff
// runs and the provenance archive can record superseded rejects.
type SyncResult struct {
	AddedDone        int
	AddedRejected    int
	RemovedDone      int
	RemovedRejected  int
	DequeuedSettled  int
	SupersededReject map[string]EntryMeta // rejects displaced by success-wins
}

// New returns an empty checkpoint.
func New() *Checkpoint {
	return &Checkpoint{
		Done:     make(map[string]EntryMeta),
		Rejected: make(map[string]EntryMeta),
		Queued:   make(map[string]QueueMeta),
	}
}

// Load reads the checkpoint document. Missing file loads as empty.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if c.Done == nil {
		c.Done = make(map[string]EntryMeta)
	}
	if c.Rejected == nil {
		c.Rejected = make(map[string]EntryMeta)
	}
	if c.Queued == nil {
		c.Queued = make(map[string]QueueMeta)
	}
	return &c, nil
}

// Save validates the invariants and atomically writes the document.
func (c *Checkpoint) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid checkpoint: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// MarkDone promotes a key to done. Success wins: any rejected entry for the
// key is removed and returned (so the caller can archive it), and the key
// leaves the retry queue.
func (c *Checkpoint) MarkDone(key, why string, when time.Time) (superseded *EntryMeta) {
	if prior, ok := c.Rejected[key]; ok {
		superseded = &prior
		delete(c.Rejected, key)
	}
	delete(c.Queued, key)
	c.Done[key] = EntryMeta{When: when, Why: why}
	return superseded
}

// MarkRejected records a key as rejected unless it is already done
// (success-wins means a reject can never displace a done entry). Reports
// whether the entry was recorded.
func (c *Checkpoint) MarkRejected(key, why string, when time.Time) bool {
	if _, done := c.Done[key]; done {
		return false
	}
	delete(c.Queued, key)
	c.Rejected[key] = EntryMeta{When: when, Why: why}
	return true
}

// Queue re-queues a key for retry. Keys already settled (done or rejected)
// cannot be queued; the caller must clear their settled state first.
func (c *Checkpoint) Queue(key, reason string, at time.Time) error {
	if _, ok := c.Done[key]; ok {
		return fmt.Errorf("key %q is done, cannot queue", key)
	}
	if _, ok := c.Rejected[key]; ok {
		return fmt.Errorf("key %q is rejected, cannot queue", key)
	}
	c.Queued[key] = QueueMeta{Reason: reason, QueuedAt: at}
	return nil
}

// ClearRejected removes a rejected entry, returning its metadata if it
// existed. Used by requeue before moving a transient reject back to queued.
func (c *Checkpoint) ClearRejected(key string) (EntryMeta, bool) {
	meta, ok := c.Rejected[key]
	if ok {
		delete(c.Rejected, key)
	}
	return meta, ok
}

// Validate checks the two checkpoint invariants, naming offending keys.
func (c *Checkpoint) Validate() error {
	var overlap []string
	for key := range c.Done {
		if _, ok := c.Rejected[key]; ok {
			overlap = append(overlap, key)
		}
	}
	if len(overlap) > 0 {
		sort.Strings(overlap)
		return fmt.Errorf("done and rejected overlap on %d key(s): %v", len(overlap), overlap)
	}

	var settled []string
	for key := range c.Queued {
		if _, ok := c.Done[key]; ok {
			settled = append(settled, key)
		} else if _, ok := c.Rejected[key]; ok {
			settled = append(settled, key)
		}
	}
	if len(settled) > 0 {
		sort.Strings(settled)
		return fmt.Errorf("queued contains %d settled key(s): %v", len(settled), settled)
	}

	return nil
}

// SyncFromLedgers recomputes done and rejected directly from the ledgers:
// every success key becomes done, every reject key becomes rejected, and
// done takes precedence on overlap. Entries no longer backed by any ledger
// are dropped; existing metadata is preserved for keys that stay. Queued
// entries for keys that settled are removed.
//
// Rejected metadata displaced by success-wins is reported in the result
// rather than silently lost.
func (c *Checkpoint) SyncFromLedgers(successes, rejects []record.Record, now time.Time) SyncResult {
	res := SyncResult{SupersededReject: make(map[string]EntryMeta)}

	newDone := make(map[string]EntryMeta, len(successes))
	for _, rec := range successes {
		meta, existed := c.Done[rec.Key]
		if !existed {
			meta = EntryMeta{When: now, Why: "ledger sync"}
			res.AddedDone++
		}
		newDone[rec.Key] = meta
	}

	newRejected := make(map[string]EntryMeta, len(rejects))
	for _, rec := range rejects {
		if _, done := newDone[rec.Key]; done {
			// Success wins; keep the displaced metadata visible.
			if prior, ok := c.Rejected[rec.Key]; ok {
				res.SupersededReject[rec.Key] = prior
			} else {
				res.SupersededReject[rec.Key] = EntryMeta{When: now, Why: rec.Error}
			}
			continue
		}
		meta, existed := c.Rejected[rec.Key]
		if !existed {
			why := rec.Error
			if why == "" {
				why = "ledger sync"
			}
			meta = EntryMeta{When: now, Why: why}
			res.AddedRejected++
		}
		newRejected[rec.Key] = meta
	}

	for key := range c.Done {
		if _, ok := newDone[key]; !ok {
			res.RemovedDone++
		}
	}
	for key, prior := range c.Rejected {
		if _, ok := newRejected[key]; !ok {
			res.RemovedRejected++
			if _, nowDone := newDone[key]; nowDone {
				if _, already := res.SupersededReject[key]; !already {
					res.SupersededReject[key] = prior
				}
			}
		}
	}

	c.Done = newDone
	c.Rejected = newRejected

	for key := range c.Queued {
		_, done := c.Done[key]
		_, rejected := c.Rejected[key]
		if done || rejected {
			delete(c.Queued, key)
			res.DequeuedSettled++
		}
	}

	return res
}
