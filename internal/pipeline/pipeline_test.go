package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"promoledger/internal/audit"
	"promoledger/internal/checkpoint"
	"promoledger/internal/config"
	"promoledger/internal/ledger"
	"promoledger/internal/lock"
	"promoledger/internal/population"
	"promoledger/internal/record"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	cfg     *config.Config
	ledgers *ledger.Store
	p       *Pipeline
}

func newFixture(t *testing.T, popKeys []string) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.RawDir = filepath.Join(root, "raw")
	cfg.Paths.Population = filepath.Join(root, "population.txt")
	cfg.Paths.Manual = filepath.Join(root, "manual.txt")
	cfg.Paths.Deny = filepath.Join(root, "deny.txt")
	cfg.Content.ExpectedFields = []string{"title", "body"}
	cfg.Loop.WatchRaw = false

	require.NoError(t, os.MkdirAll(cfg.Paths.RawDir, 0755))
	require.NoError(t, os.WriteFile(cfg.Paths.Population,
		[]byte(strings.Join(popKeys, "\n")+"\n"), 0644))

	ledgers, err := ledger.NewStore(cfg.Paths.DataDir, zap.NewNop())
	require.NoError(t, err)

	source := population.NewFileSource(cfg.Paths.Population, cfg.Paths.Manual, cfg.Paths.Deny)
	return &fixture{
		cfg:     cfg,
		ledgers: ledgers,
		p:       New(cfg, ledgers, source, nil, zap.NewNop()),
	}
}

func (f *fixture) writeRaw(t *testing.T, name string, lines ...string) {
	t.Helper()
	path := filepath.Join(f.cfg.Paths.RawDir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func (f *fixture) readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestCycle_EndToEnd(t *testing.T) {
	f := newFixture(t, []string{"abc", "bad", "pending"})
	f.writeRaw(t, "batch-0001.jsonl",
		`{"key": "abc", "title": "Promo", "body": "Save big"}`,
		`{"key": "bad", "error": "404 not found"}`,
		`{not json`,
	)

	rep, err := f.p.Cycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, PhasePass, rep.Phase)
	assert.False(t, rep.Recovered)
	assert.Equal(t, 1, rep.Consolidate.FilesFolded)
	assert.Equal(t, 1, rep.Consolidate.AppendedSuccess)
	assert.Equal(t, 1, rep.Consolidate.AppendedReject)
	assert.Equal(t, 1, rep.Consolidate.MalformedLines)

	require.NotNil(t, rep.Audit)
	assert.True(t, rep.Audit.Passed)
	assert.Equal(t, 1, rep.Audit.Done)
	assert.Equal(t, 1, rep.Audit.Rejected)
	assert.Equal(t, 1, rep.Audit.Unaccounted)

	cp, err := checkpoint.Load(f.cfg.CheckpointPath())
	require.NoError(t, err)
	assert.Contains(t, cp.Done, "abc")
	assert.Contains(t, cp.Rejected, "bad")

	phases := make([]Phase, 0, len(rep.Transitions))
	for _, tr := range rep.Transitions {
		phases = append(phases, tr.Phase)
		assert.Empty(t, tr.Error)
	}
	assert.Equal(t, []Phase{
		PhaseConsolidating, PhaseDeduping, PhasePromoting, PhaseSyncing, PhaseAuditing,
	}, phases)

	// The lock is released when the cycle ends.
	assert.NoFileExists(t, f.cfg.LockPath())
}

func TestCycle_SecondRunIsByteIdentical(t *testing.T) {
	f := newFixture(t, []string{"a", "b"})
	f.writeRaw(t, "batch-0001.jsonl",
		`{"key": "a", "title": "One", "body": "x"}`,
		`{"key": "b", "error": "timeout connecting upstream"}`,
	)

	_, err := f.p.Cycle(context.Background(), CycleOptions{})
	require.NoError(t, err)

	first := map[string]string{
		"success":    f.readFile(t, f.ledgers.Path(ledger.Success)),
		"reject":     f.readFile(t, f.ledgers.Path(ledger.Reject)),
		"drift":      f.readFile(t, f.ledgers.Path(ledger.Drift)),
		"checkpoint": f.readFile(t, f.cfg.CheckpointPath()),
		"manifest":   f.readFile(t, f.cfg.ManifestPath()),
	}

	rep, err := f.p.Cycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Consolidate.FilesUnchanged)
	assert.Equal(t, 0, rep.Consolidate.FilesFolded)

	second := map[string]string{
		"success":    f.readFile(t, f.ledgers.Path(ledger.Success)),
		"reject":     f.readFile(t, f.ledgers.Path(ledger.Reject)),
		"drift":      f.readFile(t, f.ledgers.Path(ledger.Drift)),
		"checkpoint": f.readFile(t, f.cfg.CheckpointPath()),
		"manifest":   f.readFile(t, f.cfg.ManifestPath()),
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("state changed on unchanged input (-first +second):\n%s", diff)
	}
}

func TestCycle_LockContentionFailsFast(t *testing.T) {
	f := newFixture(t, []string{"a"})
	require.NoError(t, os.MkdirAll(f.cfg.Paths.DataDir, 0755))

	held, err := lock.Acquire(f.cfg.LockPath())
	require.NoError(t, err)
	defer held.Release()

	_, err = f.p.Cycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.Equal(t, ExitLocked, ExitCode(err))
}

func TestCycle_UnrecoverableViolationReported(t *testing.T) {
	f := newFixture(t, []string{"x"})

	// A key living in both ledgers at once cannot be repaired by the
	// fixed sequence; the cycle must stop with the violation, not loop.
	require.NoError(t, f.ledgers.Append(ledger.Success,
		record.Record{Key: "x", Fields: map[string]string{"title": "t"}}))
	require.NoError(t, f.ledgers.Append(ledger.Reject,
		record.Record{Key: "x", Error: "404 not found"}))

	rep, err := f.p.Cycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery did not converge")
	assert.Equal(t, ExitInvariant, ExitCode(err))
	assert.False(t, rep.Recovered)

	var sawRecovering bool
	for _, tr := range rep.Transitions {
		if tr.Phase == PhaseRecovering {
			sawRecovering = true
		}
	}
	assert.True(t, sawRecovering)
}

func TestCycle_DedupeCollapsesReplayedRecords(t *testing.T) {
	f := newFixture(t, []string{"a"})
	f.writeRaw(t, "batch-0001.jsonl",
		`{"key": "a", "title": "Short", "body": ""}`,
	)
	f.writeRaw(t, "batch-0002.jsonl",
		`{"key": "a", "title": "Short", "body": "now complete"}`,
	)

	rep, err := f.p.Cycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, PhasePass, rep.Phase)

	recs, _, err := f.ledgers.ReadAll(ledger.Success)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "now complete", recs[0].Fields["body"], "more complete record wins arbitration")
}

func TestRequeue(t *testing.T) {
	f := newFixture(t, []string{"slow", "gone", "odd"})
	require.NoError(t, f.ledgers.AppendAll(ledger.Reject, []record.Record{
		{Key: "slow", Error: "timeout connecting upstream"},
		{Key: "gone", Error: "404 not found"},
		{Key: "odd", Error: "splines unreticulated"},
	}))

	now := time.Now().UTC()
	cp := checkpoint.New()
	cp.MarkRejected("slow", "timeout connecting upstream", now)
	cp.MarkRejected("gone", "404 not found", now)
	cp.MarkRejected("odd", "splines unreticulated", now)
	require.NoError(t, os.MkdirAll(f.cfg.Paths.DataDir, 0755))
	require.NoError(t, cp.Save(f.cfg.CheckpointPath()))

	sum, err := f.p.Requeue()
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Scanned)
	assert.Equal(t, 1, sum.Requeued)
	assert.Equal(t, 1, sum.Hard)
	assert.Equal(t, 1, sum.Unknown)
	assert.Equal(t, []string{"slow"}, sum.RequeuedKeys)

	recs, _, err := f.ledgers.ReadAll(ledger.Reject)
	require.NoError(t, err)
	keys := make([]string, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, r.Key)
	}
	assert.ElementsMatch(t, []string{"gone", "odd"}, keys)

	reloaded, err := checkpoint.Load(f.cfg.CheckpointPath())
	require.NoError(t, err)
	assert.Contains(t, reloaded.Queued, "slow")
	assert.NotContains(t, reloaded.Rejected, "slow")
	assert.Contains(t, reloaded.Rejected, "gone")
	assert.Contains(t, reloaded.Rejected, "odd")
}

func TestRequeue_NothingTransientIsNoop(t *testing.T) {
	f := newFixture(t, []string{"gone"})
	require.NoError(t, f.ledgers.Append(ledger.Reject,
		record.Record{Key: "gone", Error: "404 not found"}))
	before := f.readFile(t, f.ledgers.Path(ledger.Reject))

	sum, err := f.p.Requeue()
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Requeued)
	assert.Equal(t, before, f.readFile(t, f.ledgers.Path(ledger.Reject)))
	assert.NoFileExists(t, f.cfg.CheckpointPath(), "no-op requeue writes nothing")
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"invalid args", fmt.Errorf("missing flag: %w", ErrInvalidArgs), ExitUsage},
		{"lock held", fmt.Errorf("start: %w", lock.ErrHeld), ExitLocked},
		{"plain failure", fmt.Errorf("disk on fire"), ExitFailure},
		{"misfiled failure record", &audit.MisfiledRecordsError{Keys: []string{"x"}}, ExitInvariant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}

	t.Run("violations from a real audit", func(t *testing.T) {
		f := newFixture(t, []string{"x"})
		require.NoError(t, f.ledgers.Append(ledger.Success,
			record.Record{Key: "x", Fields: map[string]string{"title": "t"}}))
		require.NoError(t, f.ledgers.Append(ledger.Reject,
			record.Record{Key: "x", Error: "404 not found"}))

		_, err := f.p.Audit("")
		require.Error(t, err)
		assert.Equal(t, ExitInvariant, ExitCode(err))
	})

	t.Run("duplicates post-run", func(t *testing.T) {
		f := newFixture(t, []string{"a"})
		rec := record.Record{Key: "a", Fields: map[string]string{"title": "t"}}
		require.NoError(t, f.ledgers.AppendAll(ledger.Success, []record.Record{rec, rec}))

		cp := checkpoint.New()
		cp.MarkDone("a", "test", time.Now().UTC())
		require.NoError(t, os.MkdirAll(f.cfg.Paths.DataDir, 0755))
		require.NoError(t, cp.Save(f.cfg.CheckpointPath()))

		_, err := f.p.Audit("")
		require.Error(t, err)
		assert.Equal(t, ExitDuplicates, ExitCode(err))
	})
}

func TestRunLoop_StopsOnCancel(t *testing.T) {
	f := newFixture(t, []string{"a"})
	f.writeRaw(t, "batch-0001.jsonl", `{"key": "a", "title": "T", "body": "b"}`)
	f.cfg.Loop.Interval = "1h"
	f.cfg.Loop.WatchRaw = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.RunLoop(ctx, CycleOptions{}) }()

	// Let the first cycle complete, then cancel during the sleep.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
}

func TestRunLoop_StopsOnPersistentViolation(t *testing.T) {
	f := newFixture(t, []string{"x"})
	require.NoError(t, f.ledgers.Append(ledger.Success,
		record.Record{Key: "x", Fields: map[string]string{"title": "t"}}))
	require.NoError(t, f.ledgers.Append(ledger.Reject,
		record.Record{Key: "x", Error: "404 not found"}))

	err := f.p.RunLoop(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.Equal(t, ExitInvariant, ExitCode(err))
}
