package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "provenance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndHistory(t *testing.T) {
	a := openTestArchive(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Record(Event{
		Key:    "summer-sale",
		Kind:   KindDuplicateLost,
		Detail: `{"key":"summer-sale","title":"old"}`,
		RunID:  "run-1",
		At:     at,
	}))
	require.NoError(t, a.Record(Event{
		Key:   "summer-sale",
		Kind:  KindRejectSuperseded,
		RunID: "run-2",
		At:    at.Add(time.Hour),
	}))

	events, err := a.History("summer-sale")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindDuplicateLost, events[0].Kind)
	assert.Equal(t, KindRejectSuperseded, events[1].Kind)
	assert.Equal(t, "run-1", events[0].RunID)
}

func TestHistory_UnknownKeyEmpty(t *testing.T) {
	a := openTestArchive(t)

	events, err := a.History("never-seen")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordAll_Transactional(t *testing.T) {
	a := openTestArchive(t)
	at := time.Now()

	events := []Event{
		{Key: "a", Kind: KindDriftLost, At: at},
		{Key: "b", Kind: KindSuccessDisplaced, At: at},
		{Key: "c", Kind: KindRequeued, At: at},
	}
	require.NoError(t, a.RecordAll(events))

	n, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRecordAll_EmptyIsNoop(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.RecordAll(nil))

	n, err := a.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "provenance.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Record(Event{Key: "k", Kind: KindRequeued, At: time.Now()}))
}
