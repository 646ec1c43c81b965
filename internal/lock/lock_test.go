package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.lock")

	l, err := Acquire(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), strings.TrimSpace(string(data)))

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquire_FailsFastWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), fmt.Sprintf("%d", os.Getpid()))
}

func TestAcquire_StaleLockNotAutoBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.lock")
	// A lock left by a long-dead process. It still blocks.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0644))

	_, err := Acquire(path)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestAcquire_UnreadableHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.lock")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	_, err := Acquire(path)
	require.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), "unknown")
}

func TestRelease_IdempotentAfterManualRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	assert.NoError(t, l.Release())
}

func TestReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
