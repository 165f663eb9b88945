package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razel-build/razel/src/core"
)

func TestRunnerExecutesAndLinksOutput(t *testing.T) {
	root := t.TempDir()
	sandboxRoot := t.TempDir()
	r := New(root, sandboxRoot, nil)

	a := &core.Action{
		Name:    "write-greeting",
		Args:    []string{"bash", "-c", "echo hi > greeting.txt"},
		Outputs: []string{"greeting.txt"},
		Timeout: 10 * time.Second,
	}

	status, err := r.Run(context.Background(), a, 1)
	require.NoError(t, err)
	assert.Equal(t, core.Succeeded, status)

	contents, err := os.ReadFile(filepath.Join(root, "razel-out", "write-greeting", "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(contents))
}

func TestRunnerFailsOnMissingOutput(t *testing.T) {
	root := t.TempDir()
	sandboxRoot := t.TempDir()
	r := New(root, sandboxRoot, nil)

	a := &core.Action{
		Name:    "no-op",
		Args:    []string{"true"},
		Outputs: []string{"never-written.txt"},
		Timeout: 10 * time.Second,
	}

	status, err := r.Run(context.Background(), a, 1)
	assert.Error(t, err)
	assert.Equal(t, core.Failed, status)
}

func TestRunnerRecordsMeasurements(t *testing.T) {
	root := t.TempDir()
	sandboxRoot := t.TempDir()
	r := New(root, sandboxRoot, nil)

	a := &core.Action{
		Name:    "measure",
		Args:    []string{"bash", "-c", `echo '<CTestMeasurement type="numeric/double" name="duration_ms">12</CTestMeasurement>'`},
		Timeout: 10 * time.Second,
	}

	status, err := r.Run(context.Background(), a, 1)
	require.NoError(t, err)
	assert.Equal(t, core.Succeeded, status)

	contents, err := os.ReadFile(filepath.Join(root, "razel-metadata", "measurements.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "measure,duration_ms,numeric/double,12")
}

func TestRunnerCapturesStdoutAndStderr(t *testing.T) {
	root := t.TempDir()
	sandboxRoot := t.TempDir()
	r := New(root, sandboxRoot, nil)

	a := &core.Action{
		Name:          "split-streams",
		Args:          []string{"bash", "-c", "echo out-line; echo err-line 1>&2"},
		Outputs:       []string{"stdout.log", "stderr.log"},
		CaptureStdout: "stdout.log",
		CaptureStderr: "stderr.log",
		Timeout:       10 * time.Second,
	}

	status, err := r.Run(context.Background(), a, 1)
	require.NoError(t, err)
	assert.Equal(t, core.Succeeded, status)

	out, err := os.ReadFile(filepath.Join(root, "razel-out", "split-streams", "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "out-line\n", string(out))

	errOut, err := os.ReadFile(filepath.Join(root, "razel-out", "split-streams", "stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "err-line\n", string(errOut))
}

func TestRunnerExtractsFailureDetail(t *testing.T) {
	root := t.TempDir()
	sandboxRoot := t.TempDir()
	r := New(root, sandboxRoot, nil)

	a := &core.Action{
		Name:    "panics",
		Args:    []string{"bash", "-c", "echo \"thread 'main' panicked at 'boom', src/main.rs:1:1\" 1>&2; exit 1"},
		Timeout: 10 * time.Second,
	}

	status, err := r.Run(context.Background(), a, 1)
	require.Error(t, err)
	assert.Equal(t, core.Failed, status)
	assert.Contains(t, err.Error(), "panicked at")
}

func TestSweepOrphansRemovesUnknownActionDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "razel-out", "still-here"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "razel-out", "removed-action"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "razel-out", "razel-metadata"), 0755))

	graph := core.NewGraph()
	graph.AddAction(&core.Action{Name: "still-here"})

	require.NoError(t, SweepOrphans(root, graph))

	assert.DirExists(t, filepath.Join(root, "razel-out", "still-here"))
	assert.DirExists(t, filepath.Join(root, "razel-out", "razel-metadata"))
	assert.NoDirExists(t, filepath.Join(root, "razel-out", "removed-action"))
}

func TestSweepOrphansToleratesMissingOutputDir(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, SweepOrphans(root, core.NewGraph()))
}
