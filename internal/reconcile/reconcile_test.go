package reconcile

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"promoledger/internal/ledger"
	"promoledger/internal/record"
)

var expectedFields = []string{"title", "body", "cta", "summary"}

func newTestLedgers(t *testing.T) *ledger.Store {
	t.Helper()
	s, err := ledger.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func newReconciler(s *ledger.Store) *Reconciler {
	return New(s, nil, zap.NewNop(), expectedFields, "test-run")
}

func TestQualityDedupe_CompletenessWinsRegardlessOfOrder(t *testing.T) {
	full := record.Record{Key: "x", Fields: map[string]string{
		"title": "t", "body": "b", "cta": "c", "summary": "s",
	}}
	sparse := record.Record{Key: "x", Fields: map[string]string{
		"title": "t", "body": "b",
	}}

	for name, recs := range map[string][]record.Record{
		"full first":  {full, sparse},
		"sparse first": {sparse, full},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestLedgers(t)
			require.NoError(t, s.AppendAll(ledger.Success, recs))

			sum, err := newReconciler(s).QualityDedupe(ledger.Success)
			require.NoError(t, err)
			assert.Equal(t, 1, sum.Removed)

			out, _, err := s.ReadAll(ledger.Success)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, 4, out[0].Completeness(expectedFields))
		})
	}
}

func TestQualityDedupe_LaterTimestampWins(t *testing.T) {
	s := newTestLedgers(t)
	older := record.Record{Key: "x", GeneratedAt: time.Unix(1000, 0).UTC(),
		Fields: map[string]string{"title": "old full", "body": "b", "cta": "c"}}
	newer := record.Record{Key: "x", GeneratedAt: time.Unix(2000, 0).UTC(),
		Fields: map[string]string{"title": "new sparse"}}
	require.NoError(t, s.AppendAll(ledger.Success, []record.Record{older, newer}))

	_, err := newReconciler(s).QualityDedupe(ledger.Success)
	require.NoError(t, err)

	out, _, err := s.ReadAll(ledger.Success)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "new sparse", out[0].Fields["title"])
}

func TestQualityDedupe_TieKeepsLaterArrival(t *testing.T) {
	s := newTestLedgers(t)
	first := record.Record{Key: "x", Fields: map[string]string{"title": "aaaa"}}
	second := record.Record{Key: "x", Fields: map[string]string{"title": "bbbb"}}
	require.NoError(t, s.AppendAll(ledger.Success, []record.Record{first, second}))

	_, err := newReconciler(s).QualityDedupe(ledger.Success)
	require.NoError(t, err)

	out, _, err := s.ReadAll(ledger.Success)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "bbbb", out[0].Fields["title"])
}

func TestQualityDedupe_ByteIdenticalRerun(t *testing.T) {
	s := newTestLedgers(t)
	require.NoError(t, s.AppendAll(ledger.Success, []record.Record{
		{Key: "b", Fields: map[string]string{"title": "b1"}},
		{Key: "a", Fields: map[string]string{"title": "a1"}},
		{Key: "b", Fields: map[string]string{"title": "b2", "body": "more"}},
		{Key: "c", Fields: map[string]string{"title": "c1"}},
	}))

	r := newReconciler(s)
	_, err := r.QualityDedupe(ledger.Success)
	require.NoError(t, err)
	first, err := os.ReadFile(s.Path(ledger.Success))
	require.NoError(t, err)

	sum, err := r.QualityDedupe(ledger.Success)
	require.NoError(t, err)
	assert.Zero(t, sum.Removed)
	second, err := os.ReadFile(s.Path(ledger.Success))
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(string(first), string(second)))
}

func TestQualityDedupe_PreservesFirstOccurrenceOrder(t *testing.T) {
	s := newTestLedgers(t)
	require.NoError(t, s.AppendAll(ledger.Success, []record.Record{
		{Key: "z"},
		{Key: "a"},
		{Key: "z", Fields: map[string]string{"title": "better"}},
		{Key: "m"},
	}))

	_, err := newReconciler(s).QualityDedupe(ledger.Success)
	require.NoError(t, err)

	out, _, err := s.ReadAll(ledger.Success)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "z", out[0].Key)
	assert.Equal(t, "a", out[1].Key)
	assert.Equal(t, "m", out[2].Key)
}

func TestPromote_DriftCompletenessWinsAtEqualTimestamp(t *testing.T) {
	// Success has 1 content field at T1, drift has 3 at the same T1.
	// Drift must win and the drift ledger must empty.
	s := newTestLedgers(t)
	t1 := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.Append(ledger.Success, record.Record{
		Key: "x", GeneratedAt: t1,
		Fields: map[string]string{"title": "only title"},
	}))
	require.NoError(t, s.Append(ledger.Drift, record.Record{
		Key: "x", GeneratedAt: t1,
		Fields: map[string]string{"title": "t", "body": "b", "cta": "c"},
	}))

	sum, err := newReconciler(s).Promote()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Promoted)

	successes, _, err := s.ReadAll(ledger.Success)
	require.NoError(t, err)
	require.Len(t, successes, 1)
	assert.Equal(t, 3, successes[0].Completeness(expectedFields))

	drift, _, err := s.ReadAll(ledger.Drift)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestPromote_IncumbentKeepsSlotWhenBetter(t *testing.T) {
	s := newTestLedgers(t)
	require.NoError(t, s.Append(ledger.Success, record.Record{
		Key: "x", Fields: map[string]string{"title": "t", "body": "b", "cta": "c"},
	}))
	require.NoError(t, s.Append(ledger.Drift, record.Record{
		Key: "x", Fields: map[string]string{"title": "worse"},
	}))

	sum, err := newReconciler(s).Promote()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Discarded)
	assert.Zero(t, sum.Promoted)

	successes, _, err := s.ReadAll(ledger.Success)
	require.NoError(t, err)
	assert.Equal(t, "t", successes[0].Fields["title"])
}

func TestPromote_OrphanDriftBecomesCanonical(t *testing.T) {
	s := newTestLedgers(t)
	require.NoError(t, s.Append(ledger.Drift, record.Record{
		Key: "orphan", Fields: map[string]string{"title": "rescued"},
	}))

	sum, err := newReconciler(s).Promote()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NewCanonical)

	successes, _, err := s.ReadAll(ledger.Success)
	require.NoError(t, err)
	require.Len(t, successes, 1)
	assert.Equal(t, "orphan", successes[0].Key)
}

func TestPromote_CollapsesDriftDuplicatesFirst(t *testing.T) {
	s := newTestLedgers(t)
	require.NoError(t, s.Append(ledger.Success, record.Record{
		Key: "x", Fields: map[string]string{"title": "t"},
	}))
	require.NoError(t, s.AppendAll(ledger.Drift, []record.Record{
		{Key: "x", Fields: map[string]string{"title": "t", "body": "b"}},
		{Key: "x", Fields: map[string]string{"title": "t", "body": "b", "cta": "c"}},
	}))

	sum, err := newReconciler(s).Promote()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Promoted)
	assert.Equal(t, 1, sum.Discarded)

	successes, _, err := s.ReadAll(ledger.Success)
	require.NoError(t, err)
	require.Len(t, successes, 1)
	assert.Equal(t, 3, successes[0].Completeness(expectedFields))
}

func TestPromote_EmptyDriftIsNoop(t *testing.T) {
	s := newTestLedgers(t)
	require.NoError(t, s.Append(ledger.Success, record.Record{Key: "x"}))

	before, err := os.ReadFile(s.Path(ledger.Success))
	require.NoError(t, err)

	sum, err := newReconciler(s).Promote()
	require.NoError(t, err)
	assert.Zero(t, sum.DriftRecords)

	after, err := os.ReadFile(s.Path(ledger.Success))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestPromote_Idempotent(t *testing.T) {
	s := newTestLedgers(t)
	require.NoError(t, s.Append(ledger.Success, record.Record{
		Key: "x", Fields: map[string]string{"title": "t"},
	}))
	require.NoError(t, s.Append(ledger.Drift, record.Record{
		Key: "x", Fields: map[string]string{"title": "t", "body": "b"},
	}))

	r := newReconciler(s)
	_, err := r.Promote()
	require.NoError(t, err)
	first, err := os.ReadFile(s.Path(ledger.Success))
	require.NoError(t, err)

	sum, err := r.Promote()
	require.NoError(t, err)
	assert.Zero(t, sum.DriftRecords)
	second, err := os.ReadFile(s.Path(ledger.Success))
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(string(first), string(second)))
}
