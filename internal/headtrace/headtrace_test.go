package headtrace_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arnerak/360transitions/internal/headtrace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldestPastCapacity(t *testing.T) {
	r := headtrace.NewRing(2)
	r.Push(headtrace.Sample{TimestampMs: 1})
	r.Push(headtrace.Sample{TimestampMs: 2})
	r.Push(headtrace.Sample{TimestampMs: 3})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(2), snap[0].TimestampMs)
	assert.Equal(t, int64(3), snap[1].TimestampMs)
}

func TestRingDefaultsCapacityWhenNonPositive(t *testing.T) {
	r := headtrace.NewRing(0)
	for i := 0; i < 5; i++ {
		r.Push(headtrace.Sample{TimestampMs: int64(i)})
	}
	assert.Equal(t, 5, r.Len())
}

func writeTrace(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestLoadTraceParsesAndSortsSamples(t *testing.T) {
	path := writeTrace(t, "2000 0 1 0 0 0\n0 0 0.7071 0.7071 0 0\n1000 0 0.5 0.5 0.5 0.5\n")

	trace, err := headtrace.LoadTrace(path)
	require.NoError(t, err)

	rot, err := trace.RotationForTimestamp(0)
	require.NoError(t, err)
	assert.InDelta(t, 0.7071, rot.W, 1e-4)
}

func TestRotationForTimestampClampsPastEnd(t *testing.T) {
	path := writeTrace(t, "0 0 1 0 0 0\n1000 0 0 1 0 0\n")
	trace, err := headtrace.LoadTrace(path)
	require.NoError(t, err)

	rot, err := trace.RotationForTimestamp(99999)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rot.W)
	assert.Equal(t, 1.0, rot.X)
}

func TestLoadTraceRejectsMalformedLine(t *testing.T) {
	path := writeTrace(t, "0 0 1 0 0\n")
	_, err := headtrace.LoadTrace(path)
	assert.Error(t, err)
}

func TestLoadTraceMissingFile(t *testing.T) {
	_, err := headtrace.LoadTrace(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
