package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/assignflow/internal/runtime/jsoncodec"
	"github.com/drblury/assignflow/internal/runtime/stats"
)

func writeConfig(t *testing.T, mr *miniredis.Miniredis) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "assignflow.yaml")
	require.NoError(t, os.WriteFile(file, []byte("redis_url: redis://"+mr.Addr()+"/0\n"), 0o600))
	return file
}

func TestPrintsSnapshotAsJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("assignflow:stats", "grid_dispatched", "1200", "total_dispatched", "1200")
	_, err := mr.XAdd("assignments.grid", "*", []string{"data", "{}"})
	require.NoError(t, err)

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"-c", writeConfig(t, mr)})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var snap stats.Snapshot
	require.NoError(t, jsoncodec.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, int64(1200), snap.Assignments["grid_dispatched"])
	assert.Equal(t, int64(1), snap.QueueLengths["assignments.grid"])
	assert.Equal(t, int64(0), snap.QueueLengths["assignments.summary"])
}

func TestPrintsHumanTable(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("assignflow:stats", "grid_dispatched", "1200")

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"-c", writeConfig(t, mr), "--human"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "1,200")
	assert.Contains(t, out.String(), "assignments.grid")
	assert.Contains(t, out.String(), "never")
}

func TestPrintHumanFormatsDepthAndActivity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-2 * time.Minute)
	snap := stats.Snapshot{
		Assignments:  map[string]int64{"vision_dispatched": 3},
		Workers:      map[string]int64{"vision_errors": 1, "vision_processed": 2},
		QueueLengths: map[string]int64{"assignments.vision": stats.UnknownDepth},
		QueueErrors:  map[string]string{"assignments.vision": "broker down"},
		LastActivity: &last,
	}

	var out bytes.Buffer
	require.NoError(t, printHuman(&out, snap, now))
	text := out.String()
	assert.Contains(t, text, "unknown (broker down)")
	assert.Contains(t, text, "2 minutes ago")
	assert.Less(t, strings.Index(text, "vision_errors"), strings.Index(text, "vision_processed"))
}

func TestUnreachableStoreFails(t *testing.T) {
	mr := miniredis.RunT(t)
	file := writeConfig(t, mr)
	mr.Close()

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"-c", file, "--timeout", "2s"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
